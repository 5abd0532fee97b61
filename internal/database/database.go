// Package database keeps an audit trail of login and logout events in
// MongoDB. Nothing is read back; broker state lives in memory only.
package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/config"
	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/logger"
	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/utils"
)

const (
	SessionEventsCollectionName = "session_events"

	defaultConnectTimeout   = 10 * time.Second
	defaultOperationTimeout = 5 * time.Second
)

// Store writes session event documents to MongoDB.
type Store struct {
	client           *mongo.Client
	events           *mongo.Collection
	operationTimeout time.Duration
}

func buildURI(cfg config.Journal) string {
	if cfg.Username == "" {
		return fmt.Sprintf("mongodb://%s:%d/", cfg.Host, cfg.Port)
	}
	// credentials may contain reserved characters
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		url.QueryEscape(cfg.Username), url.QueryEscape(cfg.Password),
		cfg.Host, cfg.Port,
	)
}

func clientOptions(appName string, cfg config.Journal) *options.ClientOptions {
	opts := options.Client().ApplyURI(buildURI(cfg)).SetAppName(appName)
	opts.SetMinPoolSize(cfg.MinPoolSize)
	opts.SetMaxPoolSize(cfg.MaxPoolSize)
	opts.SetConnectTimeout(utils.ParseStringTimeOr(cfg.ConnectTimeout, defaultConnectTimeout))
	opts.SetTimeout(utils.ParseStringTimeOr(cfg.OperationTimeout, defaultOperationTimeout))
	if cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s", evt.Address)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s (%s)", evt.Address, evt.Reason)
			}
		},
	})
	return opts
}

// Connect dials MongoDB, verifies the connection and makes sure the event
// collection is indexed for per-user lookups.
func Connect(ctx context.Context, appName string, cfg config.Journal) (*Store, error) {
	logger.DebugF("Connecting to database %s:%d...", cfg.Host, cfg.Port)

	connectTimeout := utils.ParseStringTimeOr(cfg.ConnectTimeout, defaultConnectTimeout)
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions(appName, cfg))
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	events := client.Database(cfg.Database).Collection(SessionEventsCollectionName)
	_, err = events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}, {Key: "at", Value: 1}},
		Options: options.Index().SetName("session_events_username_at"),
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occured while creating database indexes: %w", err)
	}

	logger.InfoF("Connected to database %s", cfg.Database)
	return &Store{
		client:           client,
		events:           events,
		operationTimeout: utils.ParseStringTimeOr(cfg.OperationTimeout, defaultOperationTimeout),
	}, nil
}

func (s *Store) InsertEvents(ctx context.Context, events []SessionEvent) error {
	if len(events) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.operationTimeout)
	defer cancel()

	docs := make([]interface{}, len(events))
	for i := range events {
		docs[i] = events[i]
	}

	startTime := time.Now()
	_, err := s.events.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	logger.DebugF("session events insert of %d cost: %v", len(events), time.Since(startTime))
	if err != nil {
		return fmt.Errorf("database operation failed: %w", err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, s.operationTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}
