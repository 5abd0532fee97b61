package event

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tal-sch/Emergency-Subscription-Client-Server/internal/logger"
)

const (
	cleanerTimeout  = 10 * time.Second
	shutdownTimeout = 3 * time.Second
)

type Callable interface {
	Invoke(ctx context.Context) error
}

// CallableFunc adapts a plain function to Callable.
type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error {
	return f(ctx)
}

type Cleaner struct {
	cleaners       []Callable
	mu             sync.Mutex
	initOnce       sync.Once
	cleanOnce      sync.Once
	cleaning       bool
	loggerShutdown Callable
	exit           func(code int)
}

var cleanerInstance = newCleaner()

func newCleaner() *Cleaner {
	return &Cleaner{exit: syscall.Exit}
}

func NewCleaner() *Cleaner {
	return cleanerInstance
}

func (c *Cleaner) Add(callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		logger.Debug("Cleaner is already shutting down, ignoring new cleaner")
		return
	}
	c.cleaners = append(c.cleaners, callable)
}

// Init installs the signal handler. On SIGINT/SIGTERM every registered
// callable runs, then loggerShutdown, then the process exits.
func (c *Cleaner) Init(loggerShutdown Callable) {
	c.initOnce.Do(func() {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		c.mu.Lock()
		c.loggerShutdown = loggerShutdown
		c.mu.Unlock()

		go func() {
			<-ctx.Done()
			stop()
			logger.Info("Received interrupt signal, shutting down")
			c.Clean()
			c.exit(0)
		}()
	})
}

// Clean runs the registered callables in reverse registration order, each
// with its own timeout, and finally shuts the logger down. Only the first
// call has any effect.
func (c *Cleaner) Clean() error {
	var joined error
	c.cleanOnce.Do(func() {
		c.mu.Lock()
		c.cleaning = true
		cleanersCopy := make([]Callable, len(c.cleaners))
		copy(cleanersCopy, c.cleaners)
		loggerShutdown := c.loggerShutdown
		c.mu.Unlock()

		logger.DebugF("Starting cleanup of %d registered functions", len(cleanersCopy))

		var errs []error
		for i := len(cleanersCopy) - 1; i >= 0; i-- {
			if err := invoke(i, cleanersCopy[i]); err != nil {
				errs = append(errs, err)
			}
		}

		if len(errs) > 0 {
			logger.ErrorF("%d errors occurred during cleanup", len(errs))
		} else {
			logger.Debug("All cleaners executed successfully")
		}
		logger.Info("Cleanup finished, server offline")

		if loggerShutdown != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := loggerShutdown.Invoke(shutdownCtx); err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "LOGGER SHUTDOWN ERROR: %v\n", err)
				errs = append(errs, err)
			}
		}
		joined = errors.Join(errs...)
	})
	return joined
}

func invoke(idx int, callable Callable) error {
	logger.DebugF("Invoking cleaner #%d (%T)", idx+1, callable)
	timeoutCtx, cancel := context.WithTimeout(context.Background(), cleanerTimeout)
	defer cancel()
	if err := callable.Invoke(timeoutCtx); err != nil {
		logger.ErrorF("Cleaner #%d (%T) failed: %v", idx+1, callable, err)
		return err
	}
	return nil
}
