// Package logctx enriches slog records with broker context carried on the
// request context: the session a call runs under and the job/phase a
// functional-service verb is touching. Wrap an application handler with
// Handler and every log line inside registration or orchestration picks up
// the attributes automatically.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("token", sd.SessionToken),
			slog.String("app_key", sd.ApplicationKey),
			slog.String("zone", sd.ZoneID),
		))
	}

	if jd, ok := ctx.Value(jobDataKey{}).(*JobData); ok {
		r.AddAttrs(slog.Group("job",
			slog.String("id", jd.JobID),
			slog.String("phase", jd.Phase),
			slog.String("verb", jd.Verb),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionToken   string
	ApplicationKey string
	ZoneID         string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type jobDataKey struct{}

type JobData struct {
	JobID string
	Phase string
	Verb  string
}

func WithJobData(ctx context.Context, data *JobData) context.Context {
	return context.WithValue(ctx, jobDataKey{}, data)
}
