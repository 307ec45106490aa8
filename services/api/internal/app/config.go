package app

import (
	"lexcomply/pkg/storage"
	"lexcomply/services/api/internal/config"
)

// ConfigFromFile maps the loaded file configuration onto the app's runtime Config.
func ConfigFromFile(cfg config.FileConfig) Config {
	return Config{
		StoreDriver:   cfg.StoreDriver,
		DatabaseURL:   cfg.DatabaseURL,
		StorageDriver: cfg.StorageDriver,
		DataDir:       cfg.DataDir,
		Minio: storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		},
		QueueDriver:     cfg.QueueDriver,
		QueueSize:       cfg.QueueSize,
		RedisAddr:       cfg.RedisAddr,
		RedisPassword:   cfg.RedisPassword,
		QueueStream:     cfg.QueueStream,
		QueueGroup:      cfg.QueueGroup,
		QueueMaxRetries: cfg.QueueMaxRetries,
		AMQPURL:         cfg.AMQPURL,
		AMQPQueue:       cfg.AMQPQueue,
		AIProvider:      cfg.AIProvider,
		AIBaseURL:       cfg.AIBaseURL,
		AIAPIKey:        cfg.AIAPIKey,
		AIModel:         cfg.AIModel,
		AnalysisTimeout: cfg.AnalysisTimeout(),
		MaxFileBytes:    cfg.MaxFileBytes,
		MaxFiles:        cfg.MaxFilesPerUpload,
	}
}
