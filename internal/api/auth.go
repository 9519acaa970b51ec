package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	xerrors "TaskPilot/internal/errors"
	"TaskPilot/pkg/logger"
)

// apiKeys 保存允许访问 API 的密钥摘要。为空时不做认证。
type apiKeys struct {
	digests [][sha256.Size]byte
}

func newAPIKeys(keys []string) apiKeys {
	var k apiKeys
	for _, key := range keys {
		if key = strings.TrimSpace(key); key != "" {
			k.digests = append(k.digests, sha256.Sum256([]byte(key)))
		}
	}
	return k
}

func (k apiKeys) enabled() bool { return len(k.digests) > 0 }

// match 以固定时间比较请求携带的密钥。
func (k apiKeys) match(presented string) bool {
	digest := sha256.Sum256([]byte(presented))
	ok := 0
	for i := range k.digests {
		ok |= subtle.ConstantTimeCompare(digest[:], k.digests[i][:])
	}
	return ok == 1
}

// credential 从 Authorization: Bearer 或 X-API-Key 头中提取密钥。
func credential(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// requireAPIKey 拒绝未携带有效密钥的请求，并把拒绝记录写入审计日志。
func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	if !s.keys.enabled() {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		presented := credential(r)
		if presented != "" && s.keys.match(presented) {
			next(w, r)
			return
		}
		reason := "invalid_api_key"
		if presented == "" {
			reason = "missing_api_key"
		}
		logger.Audit().Warn("access_denied",
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("reason", reason),
		)
		w.Header().Set("WWW-Authenticate", `Bearer realm="taskpilot"`)
		s.writeError(w, xerrors.New(xerrors.CodeUnauthorized, "缺少或无效的 API Key"))
	}
}
