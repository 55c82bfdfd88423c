package doctor

import (
	"os"
	"strings"
)

func contains(s, sub string) bool { return strings.Contains(s, sub) }

func writeGarbage(path string) error {
	return os.WriteFile(path, []byte("this is not a sqlite database, just bytes padding the header"), 0o644)
}
