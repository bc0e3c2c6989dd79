package syncer

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// LifecycleController registers local storage on startup and cleans it up
// once on termination.
type LifecycleController struct {
	objects    []SyncObject
	dispatcher *Dispatcher
	logger     *log.Logger

	observeOnce sync.Once
	cleanupOnce sync.Once
	cleanupErr  error
	cleaned     chan struct{}
}

// NewLifecycleController binds objects, in priority order, to dispatcher.
// Pass the orchestrator's dispatcher so registrations never overlap a commit.
func NewLifecycleController(objects []SyncObject, dispatcher *Dispatcher, logger *log.Logger) *LifecycleController {
	if logger == nil {
		logger = log.New(os.Stderr, "[lifecycle] ", log.LstdFlags)
	}
	return &LifecycleController{
		objects:    append([]SyncObject(nil), objects...),
		dispatcher: dispatcher,
		logger:     logger,
		cleaned:    make(chan struct{}),
	}
}

// RegisterLocalDatabase schedules every object's registration on the
// dispatcher and returns without waiting.
func (c *LifecycleController) RegisterLocalDatabase() {
	for _, obj := range c.objects {
		obj := obj
		err := c.dispatcher.Async(func() {
			if err := obj.RegisterLocalDatabase(); err != nil {
				c.logger.Printf("Failed to register local database for %s: %v", obj.RecordType(), err)
			}
		})
		if err != nil {
			c.logger.Printf("Cannot schedule registration for %s: %v", obj.RecordType(), err)
		}
	}
}

// StartObservingTermination runs CleanUp when terminated is closed. Only the
// first call subscribes.
func (c *LifecycleController) StartObservingTermination(terminated <-chan struct{}) {
	c.observeOnce.Do(func() {
		go func() {
			<-terminated
			if err := c.CleanUp(); err != nil {
				c.logger.Printf("Cleanup finished with errors: %v", err)
			}
		}()
	})
}

// CleanUp calls CleanUp on every object in priority order, continuing past
// failures. While the dispatcher is open the cleanup runs there, after any
// commit in progress; it must then not be called from the dispatcher
// goroutine. Only the first call does work; later calls return its result.
func (c *LifecycleController) CleanUp() error {
	c.cleanupOnce.Do(func() {
		defer close(c.cleaned)
		if err := c.dispatcher.Sync(c.cleanUpObjects); errors.Is(err, ErrClosed) {
			c.cleanUpObjects()
		}
	})
	return c.cleanupErr
}

func (c *LifecycleController) cleanUpObjects() {
	var result *multierror.Error
	for _, obj := range c.objects {
		if err := obj.CleanUp(); err != nil {
			result = multierror.Append(result, fmt.Errorf("clean up %s: %w", obj.RecordType(), err))
		}
	}
	c.cleanupErr = result.ErrorOrNil()
}

// CleanedUp is closed once CleanUp has run.
func (c *LifecycleController) CleanedUp() <-chan struct{} {
	return c.cleaned
}
