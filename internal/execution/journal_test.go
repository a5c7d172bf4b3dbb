package execution

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"papertrade/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournal_RecordAndList(t *testing.T) {
	ctx := context.Background()
	j, err := NewJournal(filepath.Join(t.TempDir(), "fills.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer j.Close()

	at := time.Date(2024, 6, 3, 3, 0, 0, 0, time.UTC)
	for i, user := range []string{"u1", "u2", "u1"} {
		require.NoError(t, j.RecordFill(ctx, Fill{
			OrderID:  "ord-" + string(rune('a'+i)),
			UserID:   user,
			Symbol:   "ACB",
			Side:     model.SideBuy,
			Type:     model.OrderMarket,
			Mode:     model.ModeRealtime,
			Quantity: 10,
			Price:    model.MustPrice("25.5"),
			Amount:   model.MustMoney("255000"),
			Source:   SourceRequest,
			FilledAt: at.Add(time.Duration(i) * time.Minute),
		}))
	}

	fills, err := j.Fills(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, "ord-c", fills[0].OrderID)
	assert.Equal(t, "ord-a", fills[1].OrderID)
	assert.True(t, fills[0].Price.Equal(model.MustPrice("25.5")))
	assert.True(t, fills[0].Amount.Equal(model.MustMoney("255000")))
	assert.True(t, fills[0].FilledAt.Equal(at.Add(2*time.Minute)))

	all, err := j.Fills(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
