// Package dispatch sends stored disclosure requests to their recipients.
package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"nyhetsjeger/api/internal/email"
	"nyhetsjeger/api/internal/requests"
	"nyhetsjeger/api/internal/store"
)

// claimTTL is how long a dispatch claim blocks others before it is treated as abandoned.
const claimTTL = 5 * time.Minute

type Store interface {
	GetRequestByID(ctx context.Context, id string) (store.Request, error)
	ClaimRequest(ctx context.Context, id string, staleBefore time.Time) (store.Request, error)
	ReleaseRequest(ctx context.Context, id string) error
	MarkRequestSent(ctx context.Context, id string, sentAt time.Time) error
}

type Sender interface {
	IsConfigured() bool
	Send(msg email.Message) error
}

// Function is the request dispatch function: it mails the request and marks it sent.
type Function struct {
	store  Store
	sender Sender
	log    *slog.Logger
	now    func() time.Time
}

func New(s Store, sender Sender, logger *slog.Logger) *Function {
	if logger == nil {
		logger = slog.Default()
	}
	return &Function{store: s, sender: sender, log: logger, now: time.Now}
}

// Dispatch sends request id. The request is claimed first so overlapping calls send it
// at most once. Problems with the request or the mail transport are reported in the
// result; only a failure to record a completed send is returned as an error.
func (f *Function) Dispatch(ctx context.Context, id string) (requests.DispatchResult, error) {
	req, err := f.store.ClaimRequest(ctx, id, f.now().Add(-claimTTL))
	if errors.Is(err, sql.ErrNoRows) {
		return f.unclaimable(ctx, id)
	}
	if err != nil {
		return requests.DispatchResult{}, fmt.Errorf("claim request %s: %w", id, err)
	}

	if req.RecipientEmail == nil || strings.TrimSpace(*req.RecipientEmail) == "" {
		f.release(ctx, id)
		return requests.DispatchResult{Error: "missing recipient"}, nil
	}
	if !f.sender.IsConfigured() {
		f.release(ctx, id)
		return requests.DispatchResult{Error: "email not configured"}, nil
	}

	if err := f.sender.Send(email.Message{
		To:      []string{strings.TrimSpace(*req.RecipientEmail)},
		Subject: req.Subject,
		Body:    req.Body,
	}); err != nil {
		f.log.WarnContext(ctx, "request dispatch failed", "request_id", id, "error", err)
		f.release(ctx, id)
		return requests.DispatchResult{Error: err.Error()}, nil
	}

	if err := f.store.MarkRequestSent(ctx, id, f.now().UTC()); err != nil {
		return requests.DispatchResult{}, fmt.Errorf("mark request %s sent: %w", id, err)
	}
	f.log.InfoContext(ctx, "request dispatched", "request_id", id, "etat", req.Authority)
	return requests.DispatchResult{OK: true}, nil
}

// unclaimable explains why a claim found no row.
func (f *Function) unclaimable(ctx context.Context, id string) (requests.DispatchResult, error) {
	req, err := f.store.GetRequestByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return requests.DispatchResult{Error: "request not found"}, nil
	}
	if err != nil {
		return requests.DispatchResult{}, fmt.Errorf("load request %s: %w", id, err)
	}
	switch req.Status {
	case store.StatusDraft, store.StatusQueued:
		return requests.DispatchResult{Error: "request is already being sent"}, nil
	default:
		return requests.DispatchResult{Error: fmt.Sprintf("request already %s", req.Status)}, nil
	}
}

func (f *Function) release(ctx context.Context, id string) {
	if err := f.store.ReleaseRequest(ctx, id); err != nil {
		f.log.WarnContext(ctx, "release dispatch claim failed", "request_id", id, "error", err)
	}
}
