package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"OpenMCP-Dispatch/pkg/logger"
)

// Service 校验静态 bearer token。未配置任何 token 时认证关闭。
type Service struct {
	mu     sync.RWMutex
	tokens map[[sha256.Size]byte]*Subject
	audit  *slog.Logger
}

// NewStaticService 为每个 token 授予全部权限。
func NewStaticService(tokens []string) *Service {
	s := &Service{
		tokens: make(map[[sha256.Size]byte]*Subject),
		audit:  logger.Audit(),
	}
	for i, token := range tokens {
		s.AddToken(fmt.Sprintf("token-%d", i+1), token)
	}
	return s
}

// AddToken 注册一个 token。perms 为空时授予全部权限。
func (s *Service) AddToken(name, token string, perms ...string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	if len(perms) == 0 {
		perms = AllPermissions
	}
	subject := &Subject{Name: name, Permissions: append([]string(nil), perms...)}
	s.mu.Lock()
	s.tokens[sha256.Sum256([]byte(token))] = subject
	s.mu.Unlock()
}

// Enabled 报告是否需要认证。
func (s *Service) Enabled() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens) > 0
}

// AuthenticateRequest 解析 Authorization 头并返回对应主体。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	token, ok := strings.CutPrefix(strings.TrimSpace(authorization), "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for known, subject := range s.tokens {
		if subtle.ConstantTimeCompare(known[:], digest[:]) == 1 {
			return subject, nil
		}
	}
	return nil, ErrInvalidToken
}
