package agent

import (
	"context"

	"go.uber.org/zap"

	"gpufleet/internal/api"
	"gpufleet/internal/logutil"
	"gpufleet/internal/model"
)

// PushOnce collects a single snapshot and reports it over HTTP, without a
// duplex connection. The aggregator records it like any other snapshot.
func PushOnce(ctx context.Context, client *api.Client, provider Provider, hostname string) (model.HostSnapshot, error) {
	snap := provider.Collect(ctx)
	if snap.Hostname == "" {
		snap.Hostname = hostname
	}
	snap.Normalize()
	if err := client.ReportSnapshot(ctx, snap); err != nil {
		return snap, err
	}
	logutil.GetLogger().Info("snapshot reported",
		zap.String("hostname", snap.Hostname),
		zap.Int("gpus", len(snap.GPUs)))
	return snap, nil
}
