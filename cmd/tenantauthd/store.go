package main

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/redis/go-redis/v9"

	"github.com/Torutesu/tenantauth"
	"github.com/Torutesu/tenantauth/internal/kv"
)

// openStore builds the backend named by cfg.Backend. The caller owns the
// returned store.
func openStore(ctx context.Context, cfg tenantauth.StoreConfig) (kv.Store, error) {
	switch cfg.Backend {
	case "", tenantauth.StoreMemory:
		return kv.NewMemory(), nil

	case tenantauth.StoreRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.RedisAddr}})
		store := kv.NewRedis(client, cfg.RedisPrefix)
		if err := store.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		return &closingStore{Store: store, closeFn: client.Close}, nil

	case tenantauth.StoreSQLite:
		store, err := kv.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite %s: %w", cfg.SQLitePath, err)
		}
		return store, nil

	case tenantauth.StoreDynamo:
		opts := []func(*awsconfig.LoadOptions) error{}
		if cfg.DynamoRegion != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.DynamoRegion))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return kv.NewDynamo(dynamodb.NewFromConfig(awsCfg), cfg.DynamoTable), nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// closingStore also closes the client kv.Redis was built on, which kv.Redis
// leaves to its caller.
type closingStore struct {
	kv.Store
	closeFn func() error
}

func (s *closingStore) Close() error {
	err := s.Store.Close()
	if cerr := s.closeFn(); err == nil {
		err = cerr
	}
	return err
}

func (s *closingStore) Ping(ctx context.Context) error {
	if p, ok := s.Store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}
