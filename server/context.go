package server

import (
	"context"

	"github.com/capstanhq/capstan/worker"
)

type ctxKey int

const (
	ctxKeySubject ctxKey = iota
	ctxKeyCallClaims
)

func contextWithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, ctxKeySubject, subject)
}

func subjectFrom(ctx context.Context) string {
	s, _ := ctx.Value(ctxKeySubject).(string)
	return s
}

func contextWithCallClaims(ctx context.Context, claims *worker.CallClaims) context.Context {
	return context.WithValue(ctx, ctxKeyCallClaims, claims)
}

func callClaimsFrom(ctx context.Context) *worker.CallClaims {
	c, _ := ctx.Value(ctxKeyCallClaims).(*worker.CallClaims)
	return c
}
