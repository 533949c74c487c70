package message

import (
	"context"

	"github.com/duna-oss/deltic-sub000/appctx"
)

// Decorator transforms a batch of messages before they are persisted. Type
// and payload are left alone; decorators add or overwrite headers only.
type Decorator func(ctx context.Context, messages []Message) []Message

// Decorated applies decorators in order before handing off to next.
func Decorated(next Dispatcher, decorators ...Decorator) Dispatcher {
	return DispatcherFunc(func(ctx context.Context, messages ...Message) error {
		for _, d := range decorators {
			messages = d(ctx, messages)
		}
		return next.Send(ctx, messages...)
	})
}

// TenantDecorator stamps the tenant_id header from the named context slot
// when one is present.
func TenantDecorator(reg *appctx.Registry, slotName string) Decorator {
	return func(ctx context.Context, messages []Message) []Message {
		tenant := reg.Get(ctx, slotName)
		if tenant == nil {
			return messages
		}
		out := make([]Message, len(messages))
		for i, m := range messages {
			out[i] = m.WithHeader(HeaderTenantID, tenant)
		}
		return out
	}
}

// ContextKeysDecorator copies the named context slots into headers, keyed by
// slot name. Slots without a value are skipped.
func ContextKeysDecorator(reg *appctx.Registry, slotNames ...string) Decorator {
	return func(ctx context.Context, messages []Message) []Message {
		vals := appctx.Values{}
		for _, name := range slotNames {
			if v := reg.Get(ctx, name); v != nil {
				vals[name] = v
			}
		}
		if len(vals) == 0 {
			return messages
		}
		out := make([]Message, len(messages))
		for i, m := range messages {
			m.Headers = m.Headers.Clone()
			for k, v := range vals {
				m.Headers[k] = v
			}
			out[i] = m
		}
		return out
	}
}

// SchemaVersionDecorator stamps schema_version from a current-version table,
// typically derived from the registered upcasters. Types absent from the
// table are untouched.
func SchemaVersionDecorator(versions map[string]int) Decorator {
	return func(_ context.Context, messages []Message) []Message {
		out := make([]Message, len(messages))
		for i, m := range messages {
			if v, ok := versions[m.Type]; ok {
				m = m.WithHeader(HeaderSchemaVersion, v)
			}
			out[i] = m
		}
		return out
	}
}
