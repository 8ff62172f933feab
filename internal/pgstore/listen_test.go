package pgstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ordersync/internal/feed"
	"github.com/roach88/ordersync/internal/model"
)

func TestDecodeNotification(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    notification
		wantErr bool
	}{
		{
			name:    "update",
			payload: `{"op":"update","id":"o1","version":4}`,
			want:    notification{Op: feed.OpUpdate, ID: "o1", Version: 4},
		},
		{
			name:    "delete",
			payload: `{"op":"delete","id":"l7","version":2}`,
			want:    notification{Op: feed.OpDelete, ID: "l7", Version: 2},
		},
		{name: "truncate is not a row op", payload: `{"op":"truncate","id":"o1","version":1}`, wantErr: true},
		{name: "missing id", payload: `{"op":"insert","version":1}`, wantErr: true},
		{name: "not json", payload: `o1`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeNotification(tt.payload)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTombstone(t *testing.T) {
	for _, typ := range model.EntityTypes {
		e := tombstone(typ, "x1", 9)
		assert.Equal(t, typ, e.EntityType())
		assert.Equal(t, "x1", e.EntityID())
		assert.Equal(t, int64(9), e.EntityVersion())
	}
}

func TestChannel(t *testing.T) {
	assert.Equal(t, "ordersync_orders", Channel(model.TypeOrder))
	assert.Equal(t, "ordersync_order_lines", Channel(model.TypeLine))
	assert.Equal(t, "ordersync_tables", Channel(model.TypeTable))
}
