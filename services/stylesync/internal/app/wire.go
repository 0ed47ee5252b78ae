package app

import (
	"log/slog"
	"time"

	"styleai/services/stylesync/internal/config"
)

// ConfigFrom maps the file config onto an app Config.
func ConfigFrom(fc config.FileConfig, logger *slog.Logger) Config {
	maxEntries := 0
	if fc.HistoryMaxEntries != nil {
		maxEntries = *fc.HistoryMaxEntries
	}
	return Config{
		CacheDir:           fc.CacheDir,
		DatabaseURL:        fc.DatabaseURL,
		MinioEndpoint:      fc.MinioEndpoint,
		MinioAccessKey:     fc.MinioAccessKey,
		MinioSecretKey:     fc.MinioSecretKey,
		MinioBucket:        fc.MinioBucket,
		MinioUseSSL:        fc.MinioUseSSL,
		RedisAddr:          fc.RedisAddr,
		RedisPassword:      fc.RedisPassword,
		RedisKeyPrefix:     fc.RedisKeyPrefix,
		ChangeFeed:         fc.ChangeFeed,
		ChangeStream:       fc.ChangeStream,
		AMQPURL:            fc.AMQPURL,
		AMQPExchange:       fc.AMQPExchange,
		SyncStrategy:       fc.SyncStrategy,
		SyncInterval:       time.Duration(fc.SyncIntervalMinutes) * time.Minute,
		SyncCheckEvery:     time.Duration(fc.SyncCheckMinutes) * time.Minute,
		PresignExpiry:      time.Duration(fc.PresignExpirySeconds) * time.Second,
		DownloadTimeout:    time.Duration(fc.DownloadTimeoutSeconds) * time.Second,
		FetchTimeout:       time.Duration(fc.FetchTimeoutSeconds) * time.Second,
		ResolveConcurrency: fc.ResolveConcurrency,
		ThumbnailMaxDim:    fc.ThumbnailMaxDim,
		HistoryMaxEntries:  maxEntries,
		GeneratedHosts:     fc.GeneratedImageHosts,
		ResyncLimitPerHour: fc.ResyncLimitPerHour,
		Logger:             logger,
	}
}
