package message

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duna-oss/deltic-sub000/appctx"
)

func TestEncodeDecode_RoundTripsHeaders(t *testing.T) {
	m := New("order.created", map[string]any{"order_id": "o-1"}).
		WithHeader(HeaderAggregateRootID, "o-1").
		WithHeader(HeaderAggregateRootVersion, 3)

	body, err := Encode(m)
	require.NoError(t, err)

	decoded, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, "order.created", decoded.Type)
	assert.Equal(t, "o-1", decoded.AggregateRootID())
	version, ok := decoded.Headers.Int64(HeaderAggregateRootVersion)
	require.True(t, ok)
	assert.Equal(t, int64(3), version)
}

func TestDecode_MissingHeadersBecomesEmptyMap(t *testing.T) {
	decoded, err := Decode([]byte(`{"type":"x","payload":null}`))
	require.NoError(t, err)
	require.NotNil(t, decoded.Headers)
}

func TestWithHeader_DoesNotMutateOriginal(t *testing.T) {
	original := New("a", nil)
	decorated := original.WithHeader(HeaderTenantID, "t-1")

	assert.NotContains(t, original.Headers, HeaderTenantID)
	assert.Equal(t, "t-1", decorated.Headers[HeaderTenantID])
}

func TestRecorded_StampsOnceOnly(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := Recorded(New("a", nil), now)

	assert.NotEmpty(t, m.EventID())
	assert.Equal(t, now.UnixMilli(), m.Headers[HeaderTimeOfRecordingMs])

	later := Recorded(m, now.Add(time.Hour))
	assert.Equal(t, m.EventID(), later.EventID())
	assert.Equal(t, now.UnixMilli(), later.Headers[HeaderTimeOfRecordingMs])
}

func TestStream_CheckedRejectsForeignTypes(t *testing.T) {
	stream := Stream{Name: "orders", Types: []string{"order.created", "order.paid"}}

	var sent []Message
	sink := DispatcherFunc(func(_ context.Context, messages ...Message) error {
		sent = append(sent, messages...)
		return nil
	})

	checked := stream.Checked(sink)
	require.NoError(t, checked.Send(context.Background(), New("order.created", nil)))
	assert.Len(t, sent, 1)

	err := checked.Send(context.Background(), New("invoice.sent", nil))
	assert.Error(t, err)
	assert.Len(t, sent, 1)
}

func TestTenantDecorator_AddsHeaderWhenSlotSet(t *testing.T) {
	reg := appctx.NewRegistry(appctx.Slot{Name: "tenant_id"})

	dec := TenantDecorator(reg, "tenant_id")
	err := reg.Run(context.Background(), appctx.Values{"tenant_id": "acme"}, func(ctx context.Context) error {
		out := dec(ctx, []Message{New("a", nil)})
		assert.Equal(t, "acme", out[0].Headers[HeaderTenantID])
		return nil
	})
	require.NoError(t, err)

	// no slot value, no header
	out := dec(context.Background(), []Message{New("a", nil)})
	assert.NotContains(t, out[0].Headers, HeaderTenantID)
}

func TestContextKeysDecorator_CopiesSelectedSlots(t *testing.T) {
	reg := appctx.NewRegistry(appctx.Slot{Name: "request_id"}, appctx.Slot{Name: "actor"})

	dec := ContextKeysDecorator(reg, "request_id", "actor")
	err := reg.Run(context.Background(), appctx.Values{"request_id": "r-9"}, func(ctx context.Context) error {
		out := dec(ctx, []Message{New("a", nil)})
		assert.Equal(t, "r-9", out[0].Headers["request_id"])
		assert.NotContains(t, out[0].Headers, "actor")
		return nil
	})
	require.NoError(t, err)
}

func TestSchemaVersionDecorator_OnlyRegisteredTypes(t *testing.T) {
	dec := SchemaVersionDecorator(map[string]int{"order.created": 4})

	out := dec(context.Background(), []Message{New("order.created", nil), New("order.paid", nil)})
	assert.Equal(t, 4, out[0].Headers[HeaderSchemaVersion])
	assert.NotContains(t, out[1].Headers, HeaderSchemaVersion)
}

func TestDecorated_AppliesInOrder(t *testing.T) {
	first := func(_ context.Context, ms []Message) []Message {
		out := make([]Message, len(ms))
		for i, m := range ms {
			out[i] = m.WithHeader("mark", "first")
		}
		return out
	}
	second := func(_ context.Context, ms []Message) []Message {
		out := make([]Message, len(ms))
		for i, m := range ms {
			out[i] = m.WithHeader("mark", "second")
		}
		return out
	}

	var seen Message
	sink := DispatcherFunc(func(_ context.Context, messages ...Message) error {
		seen = messages[0]
		return nil
	})

	require.NoError(t, Decorated(sink, first, second).Send(context.Background(), New("a", nil)))
	assert.Equal(t, "second", seen.Headers["mark"])
}
