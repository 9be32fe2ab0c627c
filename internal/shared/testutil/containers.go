// Package testutil starts throwaway Postgres and Redis containers for
// integration tests.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    pg, err := testutil.StartPostgres(context.Background())
//	    ...
//	    defer pg.Terminate()
//	    os.Exit(m.Run())
//	}
package testutil

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uniedit/batchgen/internal/infra/config"
	"github.com/uniedit/batchgen/internal/shared/database"
	"gorm.io/gorm"
)

// Postgres is a running Postgres container.
type Postgres struct {
	Container testcontainers.Container
	Config    config.DatabaseConfig
}

// StartPostgres starts a Postgres container and waits until it accepts
// connections.
func StartPostgres(ctx context.Context) (*Postgres, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "batchgen",
			"POSTGRES_PASSWORD": "batchgen",
			"POSTGRES_DB":       "batchgen",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("get container port: %w", err)
	}
	portNum, _ := strconv.Atoi(port.Port())

	return &Postgres{
		Container: container,
		Config: config.DatabaseConfig{
			Driver:       "postgres",
			Host:         host,
			Port:         portNum,
			User:         "batchgen",
			Password:     "batchgen",
			Database:     "batchgen",
			SSLMode:      "disable",
			MaxOpenConns: 50,
			MaxIdleConns: 10,
		},
	}, nil
}

// Open connects to the container and migrates the given models.
func (p *Postgres) Open(models ...any) (*gorm.DB, error) {
	db, err := database.New(&p.Config)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db, models...); err != nil {
		_ = database.Close(db)
		return nil, err
	}
	return db, nil
}

// Terminate stops and removes the container.
func (p *Postgres) Terminate() {
	_ = p.Container.Terminate(context.Background())
}

// Redis is a running Redis container.
type Redis struct {
	Container testcontainers.Container
	Client    *redis.Client
}

// StartRedis starts a Redis container and returns a connected client.
func StartRedis(ctx context.Context) (*Redis, error) {
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("start redis container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("get container port: %w", err)
	}

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Redis{Container: container, Client: client}, nil
}

// Terminate closes the client and removes the container.
func (r *Redis) Terminate() {
	_ = r.Client.Close()
	_ = r.Container.Terminate(context.Background())
}
