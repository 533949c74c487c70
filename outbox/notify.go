package outbox

import (
	"context"

	"github.com/duna-oss/deltic-sub000/message"
	"github.com/duna-oss/deltic-sub000/pgctx"
)

// NotifyStyle selects how persists announce themselves over NOTIFY.
type NotifyStyle int

const (
	// NotifyNone emits nothing; equivalent to the undecorated repository.
	NotifyNone NotifyStyle = iota
	// NotifyChannel emits on a channel dedicated to this table:
	// <channel>__<table> with an empty payload.
	NotifyChannel
	// NotifyCentral emits on the shared channel with the table name as
	// payload, for multi-relay routing.
	NotifyCentral
	// NotifyBoth emits both styles.
	NotifyBoth
)

// Notifying wraps a repository so that persisting messages and announcing
// them happen in one transaction: listeners observe the NOTIFY only once the
// rows are visible. When the caller already opened a transaction it carries
// both; otherwise the decorator opens and finalises its own.
type Notifying struct {
	Repository
	rt      *pgctx.Runtime
	style   NotifyStyle
	channel string
}

func NewNotifying(inner Repository, rt *pgctx.Runtime, style NotifyStyle, channel string) *Notifying {
	return &Notifying{Repository: inner, rt: rt, style: style, channel: channel}
}

// ChannelFor names the dedicated per-table channel for a prefix and table.
func ChannelFor(prefix, table string) string {
	return prefix + "__" + table
}

func (n *Notifying) Persist(ctx context.Context, messages []message.Message) error {
	if len(messages) == 0 {
		return nil
	}
	if n.style == NotifyNone {
		return n.Repository.Persist(ctx, messages)
	}
	return n.rt.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := n.Repository.Persist(ctx, messages); err != nil {
			return err
		}
		return n.notify(ctx)
	})
}

func (n *Notifying) notify(ctx context.Context) error {
	return n.rt.WithConn(ctx, func(conn pgctx.Conn) error {
		if n.style == NotifyChannel || n.style == NotifyBoth {
			if _, err := conn.Exec(ctx, `SELECT pg_notify($1, '')`, ChannelFor(n.channel, n.Table())); err != nil {
				return err
			}
		}
		if n.style == NotifyCentral || n.style == NotifyBoth {
			if _, err := conn.Exec(ctx, `SELECT pg_notify($1, $2)`, n.channel, n.Table()); err != nil {
				return err
			}
		}
		return nil
	})
}
