package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumen-bi/lumen-engine/pkg/crypto"
	"github.com/lumen-bi/lumen-engine/pkg/datasource"
	"github.com/lumen-bi/lumen-engine/pkg/introspect"
	"github.com/lumen-bi/lumen-engine/pkg/models"
	"github.com/lumen-bi/lumen-engine/pkg/query"
	"github.com/lumen-bi/lumen-engine/pkg/repositories"
)

// DatasourceService defines the interface for datasource operations.
type DatasourceService interface {
	// Create registers a new datasource with encrypted config.
	Create(ctx context.Context, name, engine string, config map[string]any) (*models.Datasource, error)

	// Get retrieves a datasource by ID with decrypted config.
	Get(ctx context.Context, id uuid.UUID) (*models.Datasource, error)

	// List retrieves all active datasources. Configs are not included.
	List(ctx context.Context) ([]*models.Datasource, error)

	// Update modifies a datasource and drops its cached connection pool.
	Update(ctx context.Context, id uuid.UUID, name, engine string, config map[string]any) error

	// Delete deactivates a datasource and drops its cached connection pool.
	Delete(ctx context.Context, id uuid.UUID) error

	// TestConnection checks connectivity for a candidate config without saving it.
	TestConnection(ctx context.Context, engine string, config map[string]any) (*models.ConnectionTestResult, error)

	// Introspect returns the normalized schema of a datasource.
	Introspect(ctx context.Context, id uuid.UUID) (*introspect.Schema, error)

	// Query runs a parameterized read query against a datasource and records
	// the execution in the query history.
	Query(ctx context.Context, id uuid.UUID, req query.Request) (*query.Result, error)

	// History lists recent query executions against a datasource.
	History(ctx context.Context, id uuid.UUID, limit int) ([]*models.QueryHistoryEntry, int, error)
}

// datasourceService implements DatasourceService.
type datasourceService struct {
	repo         repositories.DatasourceRepository
	history      repositories.QueryHistoryRepository
	vault        *crypto.CredentialVault
	registry     *datasource.Registry
	executor     *query.Executor
	introspector *introspect.Introspector
	logger       *zap.Logger
}

// NewDatasourceService creates a new datasource service with dependencies.
func NewDatasourceService(
	repo repositories.DatasourceRepository,
	history repositories.QueryHistoryRepository,
	vault *crypto.CredentialVault,
	registry *datasource.Registry,
	executor *query.Executor,
	introspector *introspect.Introspector,
	logger *zap.Logger,
) DatasourceService {
	return &datasourceService{
		repo:         repo,
		history:      history,
		vault:        vault,
		registry:     registry,
		executor:     executor,
		introspector: introspector,
		logger:       logger,
	}
}

// Create registers a new datasource with encrypted config.
func (s *datasourceService) Create(ctx context.Context, name, engine string, config map[string]any) (*models.Datasource, error) {
	if name == "" {
		return nil, fmt.Errorf("datasource name is required")
	}
	if engine == "" {
		return nil, fmt.Errorf("datasource engine is required")
	}
	if config == nil {
		config = make(map[string]any)
	}

	encryptedConfig, err := s.encryptConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt config: %w", err)
	}

	ds := &models.Datasource{
		Name:   name,
		Engine: engine,
		Config: config,
	}

	if err := s.repo.Create(ctx, ds, encryptedConfig); err != nil {
		return nil, err
	}

	s.logger.Info("Created datasource",
		zap.String("id", ds.ID.String()),
		zap.String("name", name),
		zap.String("engine", engine),
	)

	return ds, nil
}

// Get retrieves a datasource by ID with decrypted config.
func (s *datasourceService) Get(ctx context.Context, id uuid.UUID) (*models.Datasource, error) {
	ds, encryptedConfig, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	config, err := s.decryptConfig(encryptedConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt config: %w", err)
	}
	ds.Config = config

	return ds, nil
}

// List retrieves all active datasources.
func (s *datasourceService) List(ctx context.Context) ([]*models.Datasource, error) {
	return s.repo.List(ctx)
}

// Update modifies a datasource. The cached connection pool is invalidated
// because stored credentials may no longer match it.
func (s *datasourceService) Update(ctx context.Context, id uuid.UUID, name, engine string, config map[string]any) error {
	if name == "" {
		return fmt.Errorf("datasource name is required")
	}
	if engine == "" {
		return fmt.Errorf("datasource engine is required")
	}
	if config == nil {
		config = make(map[string]any)
	}

	encryptedConfig, err := s.encryptConfig(config)
	if err != nil {
		return fmt.Errorf("failed to encrypt config: %w", err)
	}

	if err := s.repo.Update(ctx, id, name, engine, encryptedConfig); err != nil {
		return err
	}

	s.registry.Invalidate(id)

	s.logger.Info("Updated datasource", zap.String("id", id.String()))
	return nil
}

// Delete deactivates a datasource and drops its cached connection pool.
func (s *datasourceService) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.SetActive(ctx, id, false); err != nil {
		return err
	}

	s.registry.Invalidate(id)

	s.logger.Info("Deleted datasource", zap.String("id", id.String()))
	return nil
}

// TestConnection checks connectivity for a candidate config without saving it.
func (s *datasourceService) TestConnection(ctx context.Context, engine string, config map[string]any) (*models.ConnectionTestResult, error) {
	return s.registry.TestConnection(ctx, engine, config)
}

// Introspect returns the normalized schema of a datasource.
func (s *datasourceService) Introspect(ctx context.Context, id uuid.UUID) (*introspect.Schema, error) {
	pool, ds, err := s.acquirePool(ctx, id)
	if err != nil {
		return nil, err
	}

	schema, err := s.introspector.Introspect(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("failed to introspect datasource %s: %w", ds.Name, err)
	}
	return schema, nil
}

// Query runs a parameterized read query and records the execution.
func (s *datasourceService) Query(ctx context.Context, id uuid.UUID, req query.Request) (*query.Result, error) {
	pool, _, err := s.acquirePool(ctx, id)
	if err != nil {
		return nil, err
	}

	executedAt := time.Now()
	result, execErr := s.executor.Execute(ctx, pool, req)
	s.recordHistory(id, req.SQL, executedAt, result, execErr)

	return result, execErr
}

// History lists recent query executions against the datasource, newest
// first. The datasource must exist; inactive ones still expose history.
func (s *datasourceService) History(ctx context.Context, id uuid.UUID, limit int) ([]*models.QueryHistoryEntry, int, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, 0, err
	}
	return s.history.List(ctx, models.QueryHistoryFilters{
		DatasourceID: &id,
		Limit:        limit,
	})
}

// acquirePool loads the datasource, decrypts its config and hands back the
// shared pool from the registry.
func (s *datasourceService) acquirePool(ctx context.Context, id uuid.UUID) (datasource.Pool, *models.Datasource, error) {
	ds, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !ds.IsActive {
		return nil, nil, fmt.Errorf("datasource %s is inactive", ds.Name)
	}

	pool, err := s.registry.Acquire(ctx, ds.ID, ds.Engine, ds.Config)
	if err != nil {
		return nil, nil, err
	}
	return pool, ds, nil
}

// recordHistory persists a query execution record. Failures are logged but
// never surfaced to the caller; history is best-effort.
func (s *datasourceService) recordHistory(id uuid.UUID, sqlText string, executedAt time.Time, result *query.Result, execErr error) {
	entry := &models.QueryHistoryEntry{
		DatasourceID: id,
		SQL:          sqlText,
		ExecutedAt:   executedAt,
		DurationMs:   time.Since(executedAt).Milliseconds(),
	}
	if result != nil {
		rowCount := result.RowCount
		entry.RowCount = &rowCount
		entry.Truncated = result.Truncated
		entry.DurationMs = result.ElapsedMs
	}
	if execErr != nil {
		msg := execErr.Error()
		entry.Error = &msg
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.history.Create(ctx, entry); err != nil {
		s.logger.Warn("Failed to record query history",
			zap.String("datasource_id", id.String()),
			zap.Error(err),
		)
	}
}

// encryptConfig serializes config to JSON and encrypts it.
func (s *datasourceService) encryptConfig(config map[string]any) (string, error) {
	jsonBytes, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	return s.vault.Encrypt(string(jsonBytes))
}

// decryptConfig decrypts and deserializes config from encrypted string.
func (s *datasourceService) decryptConfig(encrypted string) (map[string]any, error) {
	decrypted, err := s.vault.Decrypt(encrypted)
	if err != nil {
		return nil, err
	}
	var config map[string]any
	if err := json.Unmarshal([]byte(decrypted), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return config, nil
}

// Ensure datasourceService implements DatasourceService at compile time.
var _ DatasourceService = (*datasourceService)(nil)
