package auth

import "context"

type subjectKey struct{}

// WithSubject 把认证通过的调用方挂到请求上下文上；nil 原样返回 ctx。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 返回中间件写入的调用方，未认证时为 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}

// CallerName 返回任务来源中记录的调用方名称，认证关闭时为空串。
func CallerName(ctx context.Context) string {
	if subject := SubjectFromContext(ctx); subject != nil {
		return subject.Name
	}
	return ""
}
