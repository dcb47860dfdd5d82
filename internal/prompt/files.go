package prompt

import (
	"fmt"
	"strings"

	"github.com/openquill/quill/internal/store"
)

// FilesContext renders the available-files listing for the last system
// block. Empty when the user has no live files, which drops the block
// entirely.
func FilesContext(files []store.UserFile) string {
	if len(files) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Files available in this conversation (reference by file_id):\n")
	for _, f := range files {
		fmt.Fprintf(&b, "- file_id=%s kind=%s mime=%s size=%d\n", f.ProviderFileID, f.Kind, f.MIME, f.SizeBytes)
	}
	return b.String()
}
