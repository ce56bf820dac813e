package server

import (
	"context"
	"fmt"

	"samotop/delivery"
	"samotop/logging"
	"samotop/session"
	"samotop/storage"
)

// newDispatch builds the dispatch named by cfg.Dispatch. The returned close
// function releases what the dispatch holds, such as pooled relay
// connections.
func newDispatch(cfg *Config, logger logging.Logger) (session.Dispatch, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	switch cfg.Dispatch {
	case DispatchMaildir, "":
		md, err := storage.NewMaildir(cfg.MailboxDir, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create mailbox: %w", err)
		}
		return md, noop, nil
	case DispatchS3:
		return storage.NewS3Dispatch(&cfg.S3, logger), noop, nil
	case DispatchRelay:
		tr := delivery.NewTransport(cfg.Relay, delivery.TCPConnector{})
		return delivery.Dispatch{Transport: tr}, tr.Close, nil
	case DispatchSendmail:
		return delivery.Sendmail{Path: cfg.SendmailPath}, noop, nil
	case DispatchNull:
		return session.NullDispatch{}, noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown dispatch %q", cfg.Dispatch)
	}
}

// newService assembles what every session of the server shares.
func newService(cfg *Config, dispatch session.Dispatch, limiter *RateLimiter, observer session.Observer) *session.Service {
	if cfg.MaxMessageSize > 0 {
		dispatch = limitDispatch{next: dispatch, max: cfg.MaxMessageSize}
	}
	guards := session.Guards{limiter}
	if cfg.Simulation {
		guards = append(guards, SimulationGuard{})
		dispatch = simulatedDispatch{next: dispatch}
	}
	guards = append(guards, session.AcceptAll{})

	setups := []session.Setup{
		session.EnablePipelining,
		session.EnableEightBit,
		session.EnableSMTPUTF8,
		session.EnableEnhancedStatusCodes,
		session.EnableSize(cfg.MaxMessageSize),
	}
	if !cfg.DisableTLS {
		setups = append(setups, session.EnableStartTLS)
	}

	return &session.Service{
		Name:           cfg.Name,
		Guard:          guards,
		Dispatch:       dispatch,
		Setups:         setups,
		Observer:       observer,
		CommandTimeout: cfg.CommandTimeout,
	}
}
