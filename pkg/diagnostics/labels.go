package diagnostics

import (
	"strconv"

	"github.com/entropic-systems/nucleus/pkg/ids"
)

func poolLabel(p ids.Pool) string  { return strconv.FormatUint(uint64(p), 10) }
func groupLabel(g ids.Group) string { return strconv.FormatUint(uint64(g), 10) }
