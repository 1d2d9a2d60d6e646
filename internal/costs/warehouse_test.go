package costs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"manifold/internal/streaming"
)

func TestNewWarehouseEmptyDSNSignalsNotConfigured(t *testing.T) {
	w, err := NewWarehouse(context.Background(), "", "")
	require.NoError(t, err)
	require.Nil(t, w)
}

func TestNilWarehouseMirrorIsNoop(t *testing.T) {
	var w *Warehouse
	require.NotPanics(t, func() {
		w.Mirror(context.Background(), streaming.CostRecord{SessionID: "s1"})
	})
}

func TestNilWarehouseCloseIsNoop(t *testing.T) {
	var w *Warehouse
	require.NoError(t, w.Close())
}

type recordingRecorder struct {
	records []streaming.CostRecord
}

func (r *recordingRecorder) RecordMessage(ctx context.Context, rec streaming.CostRecord) error {
	r.records = append(r.records, rec)
	return nil
}

func TestMirroringRecorderDelegatesToPrimaryWithNilWarehouse(t *testing.T) {
	primary := &recordingRecorder{}
	m := &MirroringRecorder{Primary: primary, Warehouse: nil}

	rec := streaming.CostRecord{SessionID: "s1", Cost: 1.5, Timestamp: time.Now()}
	require.NoError(t, m.RecordMessage(context.Background(), rec))
	require.Len(t, primary.records, 1)
	require.Equal(t, "s1", primary.records[0].SessionID)
}

func TestMirroringRecorderWithNilPrimaryStillSucceeds(t *testing.T) {
	m := &MirroringRecorder{Primary: nil, Warehouse: nil}
	require.NoError(t, m.RecordMessage(context.Background(), streaming.CostRecord{SessionID: "s2"}))
}
