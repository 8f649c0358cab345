package container

import (
	"context"
	stderrors "errors"
	"fmt"

	"accessioning/adapters/memory"
	"accessioning/adapters/postgres"
	"accessioning/domain/core"
	"accessioning/domain/renormalize"
	"accessioning/domain/variant"
	"accessioning/internal/accessioner"
	"accessioning/internal/allocator"
	"accessioning/internal/clustering"
	"accessioning/internal/config"
	"accessioning/internal/decluster"
	"accessioning/internal/qc"
	"accessioning/internal/recovery"
	"accessioning/ports"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// Container holds all application dependencies and manages their lifecycle
type Container struct {
	Config *config.Config
	Log    logrus.FieldLogger
	Clock  core.Clock

	// Infrastructure
	DB *sqlx.DB

	// Repositories (data access layer)
	Blocks       ports.BlockRepository
	Submitted    ports.SubmittedVariantRepository
	Clustered    ports.ClusteredVariantRepository
	SubmittedOps ports.OperationRepository
	ClusteredOps ports.OperationRepository

	// Accession allocation, one allocator per accession space
	SubmittedAllocator *allocator.Allocator
	ClusteredAllocator *allocator.Allocator

	// Services
	SubmittedVariants *accessioner.Service[variant.SubmittedVariant]
	ClusteredVariants *accessioner.Service[variant.ClusteredVariant]
	Linker            *clustering.Linker
	Decluster         *decluster.Engine
	Detector          *qc.Detector
	Renormalizer      *renormalize.Helper
}

// New creates a new dependency injection container
func New(cfg *config.Config, log logrus.FieldLogger) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	c := &Container{
		Config: cfg,
		Log:    log,
		Clock:  core.SystemClock{},
	}

	return c, nil
}

// NewInMemory creates a container backed by process memory. Nothing
// survives the process; used for dry runs and tests.
func NewInMemory(cfg *config.Config, log logrus.FieldLogger) (*Container, error) {
	c, err := New(cfg, log)
	if err != nil {
		return nil, err
	}

	c.Blocks = memory.NewBlockRepository(c.Clock)
	c.Submitted = memory.NewSubmittedVariantRepository()
	c.Clustered = memory.NewClusteredVariantRepository()
	c.SubmittedOps = memory.NewOperationRepository()
	c.ClusteredOps = memory.NewOperationRepository()

	if err := c.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	c.Log.Info("container initialized in memory")
	return c, nil
}

// InitWithDatabase initializes components that require database access
func (c *Container) InitWithDatabase(db *sqlx.DB) error {
	if db == nil {
		return fmt.Errorf("database connection cannot be nil")
	}

	c.DB = db

	// Initialize repositories
	c.initRepositories()

	// Initialize services
	if err := c.initServices(); err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	c.Log.Info("container initialized with database connection")
	return nil
}

// initRepositories initializes data access repositories
func (c *Container) initRepositories() {
	c.Blocks = postgres.NewBlockRepository(c.DB, c.Clock)
	c.Submitted = postgres.NewSubmittedVariantRepository(c.DB)
	c.Clustered = postgres.NewClusteredVariantRepository(c.DB)
	c.SubmittedOps = postgres.NewOperationRepository(c.DB, "submitted")
	c.ClusteredOps = postgres.NewOperationRepository(c.DB, "clustered")
}

// initServices wires the allocators and services over the repositories
func (c *Container) initServices() error {
	acc := c.Config.Accession
	policy := c.Config.RetryPolicy()

	var err error
	c.SubmittedAllocator, err = allocator.New(allocator.Config{
		Category:     acc.SubmittedCategory,
		InstanceID:   acc.InstanceID,
		BlockSize:    acc.BlockSize,
		InitialValue: acc.SubmittedStartValue,
		Retry:        policy,
	}, c.Blocks, c.Submitted, c.Log)
	if err != nil {
		return fmt.Errorf("failed to create submitted variant allocator: %w", err)
	}

	c.ClusteredAllocator, err = allocator.New(allocator.Config{
		Category:     acc.ClusteredCategory,
		InstanceID:   acc.InstanceID,
		BlockSize:    acc.BlockSize,
		InitialValue: acc.ClusteredStartValue,
		Retry:        policy,
	}, c.Blocks, c.Clustered, c.Log)
	if err != nil {
		return fmt.Errorf("failed to create clustered variant allocator: %w", err)
	}

	c.SubmittedVariants = accessioner.New[variant.SubmittedVariant](
		c.Submitted, c.SubmittedOps, c.SubmittedAllocator, variant.SubmittedHash,
		accessioner.WithClock[variant.SubmittedVariant](c.Clock),
		accessioner.WithRetry[variant.SubmittedVariant](policy),
		accessioner.WithLogger[variant.SubmittedVariant](c.Log.WithField("kind", "submitted")),
	)
	c.ClusteredVariants = accessioner.New[variant.ClusteredVariant](
		c.Clustered, c.ClusteredOps, c.ClusteredAllocator, variant.ClusteredHash,
		accessioner.WithClock[variant.ClusteredVariant](c.Clock),
		accessioner.WithRetry[variant.ClusteredVariant](policy),
		accessioner.WithLogger[variant.ClusteredVariant](c.Log.WithField("kind", "clustered")),
		accessioner.WithMergeHook[variant.ClusteredVariant](func(ctx context.Context, from, into core.Accession) error {
			_, err := c.Linker.Relink(ctx, from, into)
			return err
		}),
	)

	c.Linker = clustering.NewLinker(c.Submitted, c.SubmittedOps, c.ClusteredVariants, variant.InferType, policy, c.Log)
	c.Decluster = decluster.NewEngine(decluster.Config{
		InferType: variant.InferType,
		Clock:     c.Clock,
		Retry:     policy,
	}, c.Submitted, c.Clustered, c.SubmittedOps, c.Log)
	c.Detector = qc.NewDetector(c.Submitted, c.Config.QC.Concurrency, policy, c.Log)
	c.Renormalizer = renormalize.NewHelper(nil)
	return nil
}

// RecoveryAgents returns one recovery agent per accession space, keyed by
// category
func (c *Container) RecoveryAgents() map[string]*recovery.Agent {
	policy := c.Config.RetryPolicy()
	return map[string]*recovery.Agent{
		c.Config.Accession.SubmittedCategory: recovery.NewAgent(c.Blocks, c.Submitted, c.Clock, policy, c.Log),
		c.Config.Accession.ClusteredCategory: recovery.NewAgent(c.Blocks, c.Clustered, c.Clock, policy, c.Log),
	}
}

// Shutdown releases the blocks this instance holds and closes the database
func (c *Container) Shutdown(ctx context.Context) error {
	var errs []error
	for _, alloc := range []*allocator.Allocator{c.SubmittedAllocator, c.ClusteredAllocator} {
		if alloc == nil {
			continue
		}
		if err := alloc.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to release %s blocks: %w", alloc.Category(), err))
		}
	}

	// Close database connection
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
