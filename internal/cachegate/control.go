package cachegate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cachegate/internal/storage"
)

type MessageType string

const (
	MessageActivateNow MessageType = "ACTIVATE_NOW"
	MessageClearCache  MessageType = "CLEAR_CACHE"
)

// Message is a command from the hosting application.
type Message struct {
	Type MessageType `json:"type"`
	// Store scopes CLEAR_CACHE to one store, by kind ("image") or full name
	// ("image-v3.2.0"). Empty or "all" clears every current store.
	Store string `json:"store,omitempty"`
}

// OnMessage applies a control message. Clearing is done by the time it
// returns; clearing a store that does not exist is not an error.
func (e *Engine) OnMessage(ctx context.Context, msg Message) error {
	switch msg.Type {
	case MessageActivateNow:
		return e.activateNow(ctx)
	case MessageClearCache:
		return e.clearCache(ctx, msg.Store)
	}
	return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
}

func (e *Engine) clearCache(ctx context.Context, store string) error {
	store = strings.TrimSpace(store)
	if store == "" || strings.EqualFold(store, "all") {
		var errs []error
		for _, kind := range storage.Kinds {
			if err := e.stores[kind].Clear(ctx); err != nil {
				errs = append(errs, fmt.Errorf("clear %s: %w", e.stores[kind].Name(), err))
			}
		}
		e.log.Info().Msg("cleared all stores")
		return errors.Join(errs...)
	}

	if kind, ok := storage.ParseKind(store); ok {
		return e.clearStore(ctx, e.stores[kind])
	}
	for _, kind := range storage.Kinds {
		if st := e.stores[kind]; st.Name() == store {
			return e.clearStore(ctx, st)
		}
	}

	// a store of another version
	existed, err := e.backend.Delete(ctx, store)
	if err != nil {
		return fmt.Errorf("delete %s: %w", store, err)
	}
	e.log.Info().Str("store", store).Bool("existed", existed).Msg("deleted store")
	return nil
}

func (e *Engine) clearStore(ctx context.Context, st storage.Store) error {
	if err := st.Clear(ctx); err != nil {
		return fmt.Errorf("clear %s: %w", st.Name(), err)
	}
	e.log.Info().Str("store", st.Name()).Msg("cleared store")
	return nil
}
