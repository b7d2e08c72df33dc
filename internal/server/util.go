package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

// maxNetworkName keeps "<network>-beacon-node" within Docker's container name limits.
const maxNetworkName = 48

// normalizeBasePath turns " api/ " into "/api"; "" and "/" mount at the root.
func normalizeBasePath(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

// validNodeURL accepts http(s) URLs with a host, the only form the beacon API client dials.
func validNodeURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// validNetworkName reports whether name can prefix a container name and a log file name:
// it starts with a letter or digit and continues with [A-Za-z0-9_.-].
func validNetworkName(name string) bool {
	if name == "" || len(name) > maxNetworkName || strings.Contains(name, "..") {
		return false
	}
	for i, r := range name {
		alnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if alnum {
			continue
		}
		if i > 0 && (r == '.' || r == '_' || r == '-') {
			continue
		}
		return false
	}
	return true
}

var (
	errDataDirRequired = errors.New("chain_data_dir is required")
	errDataDirRelative = errors.New("chain_data_dir must be an absolute path")
	errDataDirUnclean  = errors.New("chain_data_dir must not contain traversal or redundant separators")
	errDataDirRoot     = errors.New("chain_data_dir must not be the filesystem root")
)

// checkChainDataDir validates the host side of the chain data volume.
func checkChainDataDir(p string) error {
	if p == "" {
		return errDataDirRequired
	}
	if !filepath.IsAbs(p) {
		return errDataDirRelative
	}
	trimmed := strings.TrimRight(p, `/\`)
	clean := filepath.Clean(p)
	if clean != p && clean != trimmed {
		return errDataDirUnclean
	}
	if clean == filepath.VolumeName(clean)+string(filepath.Separator) {
		return errDataDirRoot
	}
	return nil
}

// writeJSON encodes v before writing the status so an encoding failure still yields a 500.
func writeJSON(c *gin.Context, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		code = http.StatusInternalServerError
		body, _ = json.Marshal(errorResp{Error: "encode response: " + err.Error()})
	}
	c.Data(code, "application/json", append(body, '\n'))
}
