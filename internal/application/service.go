package application

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tschenkster/ai-data-transformer-sub000/internal/changelog"
	"github.com/tschenkster/ai-data-transformer-sub000/internal/domain"
)

// Service is what the adapters talk to. It keeps one coordinator per
// structure, created and loaded on first use.
type Service struct {
	store  domain.Store
	log    *changelog.Engine
	logger *zap.Logger

	mu           sync.Mutex
	coordinators map[uint]*coordinatorSlot
}

// coordinatorSlot is closed once its coordinator has loaded or failed to.
type coordinatorSlot struct {
	ready chan struct{}
	c     *Coordinator
	err   error
}

func NewService(store domain.Store, logger *zap.Logger, historyLimit int) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:        store,
		log:          changelog.New(store, store, logger.Named("changelog"), historyLimit),
		logger:       logger,
		coordinators: map[uint]*coordinatorSlot{},
	}
}

func (s *Service) CreateStructure(ctx context.Context, key, name string) (domain.Structure, error) {
	key = strings.TrimSpace(key)
	name = strings.TrimSpace(name)
	if key == "" || name == "" {
		return domain.Structure{}, domain.Errorf(domain.KindValidation, "create structure", "key and name: %w", domain.ErrRequired)
	}
	if !keyPattern.MatchString(key) || len(key) > MaxKeyLength {
		return domain.Structure{}, domain.Errorf(domain.KindValidation, "create structure", "%q: %w", key, domain.ErrInvalidKey)
	}

	st, err := s.store.CreateStructure(ctx, domain.Structure{Key: key, Name: name})
	if err != nil {
		return domain.Structure{}, domain.Classify("create structure", err)
	}
	s.logger.Info("structure created", zap.Uint("structure_id", st.ID), zap.String("key", st.Key))
	return st, nil
}

func (s *Service) ListStructures(ctx context.Context, query string, limit int) ([]domain.Structure, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	out, err := s.store.ListStructures(ctx, query, limit)
	if err != nil {
		return nil, domain.Classify("list structures", err)
	}
	return out, nil
}

func (s *Service) GetStructure(ctx context.Context, id uint) (domain.Structure, error) {
	st, err := s.store.GetStructure(ctx, id)
	if err != nil {
		return domain.Structure{}, domain.Classify("get structure", err)
	}
	return st, nil
}

// Coordinator returns the coordinator of structureID, loading the structure
// the first time it is asked for. Callers asking while that first load runs
// wait for it; other structures are not held up.
func (s *Service) Coordinator(ctx context.Context, structureID uint) (*Coordinator, error) {
	s.mu.Lock()
	slot, ok := s.coordinators[structureID]
	if !ok {
		slot = &coordinatorSlot{ready: make(chan struct{})}
		s.coordinators[structureID] = slot
	}
	s.mu.Unlock()

	if !ok {
		slot.c, slot.err = s.openCoordinator(ctx, structureID)
		if slot.err != nil {
			s.mu.Lock()
			delete(s.coordinators, structureID)
			s.mu.Unlock()
		}
		close(slot.ready)
		return slot.c, slot.err
	}

	select {
	case <-slot.ready:
		return slot.c, slot.err
	case <-ctx.Done():
		return nil, domain.E(domain.KindTransient, "load", ctx.Err())
	}
}

func (s *Service) openCoordinator(ctx context.Context, structureID uint) (*Coordinator, error) {
	if _, err := s.GetStructure(ctx, structureID); err != nil {
		return nil, err
	}
	c := NewCoordinator(structureID, s.store, s.log, s.logger.Named("coordinator"))
	if err := c.Load(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) Tree(ctx context.Context, structureID uint) (TreeView, error) {
	c, err := s.Coordinator(ctx, structureID)
	if err != nil {
		return TreeView{}, err
	}
	return c.Tree(), nil
}

func (s *Service) Items(ctx context.Context, structureID uint) ([]domain.LineItem, error) {
	c, err := s.Coordinator(ctx, structureID)
	if err != nil {
		return nil, err
	}
	return c.Items(), nil
}

func (s *Service) CreateItem(ctx context.Context, structureID uint, in CreateItemInput) (Result, error) {
	c, err := s.Coordinator(ctx, structureID)
	if err != nil {
		return Result{}, err
	}
	return c.CreateItem(ctx, in)
}

func (s *Service) RenameItem(ctx context.Context, structureID uint, key, description string) (Result, error) {
	c, err := s.Coordinator(ctx, structureID)
	if err != nil {
		return Result{}, err
	}
	return c.RenameItem(ctx, key, description)
}

func (s *Service) MoveItem(ctx context.Context, structureID, movedID, anchorID uint, intent domain.DropIntent) (Result, error) {
	c, err := s.Coordinator(ctx, structureID)
	if err != nil {
		return Result{}, err
	}
	return c.MoveItem(ctx, movedID, anchorID, intent)
}

func (s *Service) DeleteItem(ctx context.Context, structureID, id uint) (Result, error) {
	c, err := s.Coordinator(ctx, structureID)
	if err != nil {
		return Result{}, err
	}
	return c.DeleteItem(ctx, id)
}

func (s *Service) Undo(ctx context.Context, structureID, entryID uint) (Result, error) {
	c, err := s.Coordinator(ctx, structureID)
	if err != nil {
		return Result{}, err
	}
	return c.Undo(ctx, entryID)
}

// History lists undoable entries; all includes the ones already undone.
func (s *Service) History(ctx context.Context, structureID uint, limit int, all bool) ([]domain.ChangeLogEntry, error) {
	c, err := s.Coordinator(ctx, structureID)
	if err != nil {
		return nil, err
	}
	if all {
		return c.Entries(ctx, limit)
	}
	return c.History(ctx, limit)
}

func (s *Service) Status(ctx context.Context, structureID uint) (Status, error) {
	c, err := s.Coordinator(ctx, structureID)
	if err != nil {
		return Status{}, err
	}
	return c.Status(), nil
}

// Refresh reloads the structure from the store.
func (s *Service) Refresh(ctx context.Context, structureID uint) (TreeView, error) {
	c, err := s.Coordinator(ctx, structureID)
	if err != nil {
		return TreeView{}, err
	}
	if err := c.Load(ctx); err != nil {
		return TreeView{}, err
	}
	return c.Tree(), nil
}
