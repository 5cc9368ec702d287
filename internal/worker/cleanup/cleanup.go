// Package cleanup は期限切れセッションの自動削除ジョブを提供する。
// 有効期限から保持期間（デフォルト7日）を過ぎたセッションを、
// 参加者と決定レコードごと定期的に削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetention は期限切れセッションを削除するまでの保持期間。
const DefaultRetention = 7 * 24 * time.Hour

// Purger は期限切れセッションを削除するストアのインターフェース。
type Purger interface {
	PurgeExpiredSessions(ctx context.Context, beforeMillis int64) (int64, error)
}

// PurgeRecorder は削除件数を記録するメトリクスのインターフェース。
type PurgeRecorder interface {
	RecordSessionsPurged(count int64)
}

// CleanupJob は期限切れセッションの自動削除ジョブ。
// 削除対象がない場合もエラーにならない。
type CleanupJob struct {
	store     Purger
	recorder  PurgeRecorder
	logger    *slog.Logger
	now       func() time.Time
	Retention time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(store Purger, recorder PurgeRecorder, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		store:     store,
		recorder:  recorder,
		logger:    logger,
		now:       time.Now,
		Retention: DefaultRetention,
	}
}

// Run は有効期限がRetentionより前のセッションを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := j.now().Add(-j.Retention).UnixMilli()

	deleted, err := j.store.PurgeExpiredSessions(ctx, cutoff)
	if err != nil {
		j.logger.Error("セッションクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("retention", j.Retention),
		)
		return fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	}

	if j.recorder != nil {
		j.recorder.RecordSessionsPurged(deleted)
	}

	j.logger.Info("セッションクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Duration("retention", j.Retention),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回実行し、以降interval間隔で実行する。
// コンテキストがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("セッションクリーンアップを開始しました",
		slog.Duration("interval", interval),
	)

	// Runの失敗はログに記録済み
	_ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("セッションクリーンアップを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
