package persistence

import (
	"fmt"
	"os"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func kickoffN(i int) string {
	return fmt.Sprintf("kickoff-%02d", i)
}
