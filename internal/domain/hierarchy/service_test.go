package hierarchy_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/bizgrid/credits-api/internal/domain/hierarchy"
)

// fakeRepo holds an in-memory entity tree keyed by id
type fakeRepo struct {
	entities map[uuid.UUID]*hierarchy.Entity
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{entities: make(map[uuid.UUID]*hierarchy.Entity)}
}

func (f *fakeRepo) Create(_ context.Context, e *hierarchy.Entity) error {
	f.entities[e.ID] = e
	return nil
}

func (f *fakeRepo) GetByID(_ context.Context, id uuid.UUID) (*hierarchy.Entity, error) {
	e, ok := f.entities[id]
	if !ok {
		return nil, hierarchy.ErrEntityNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeRepo) GetTenantRoot(_ context.Context, tenantID uuid.UUID) (*hierarchy.Entity, error) {
	for _, e := range f.entities {
		if e.TenantID == tenantID && !e.ParentID.Valid {
			cp := *e
			return &cp, nil
		}
	}
	return nil, hierarchy.ErrEntityNotFound
}

func (f *fakeRepo) AncestorChain(_ context.Context, id uuid.UUID) ([]hierarchy.Entity, error) {
	var chain []hierarchy.Entity
	cur := f.entities[id]
	for cur != nil && cur.ParentID.Valid && len(chain) < 32 {
		parent, ok := f.entities[cur.ParentID.UUID]
		if !ok {
			break
		}
		chain = append(chain, *parent)
		cur = parent
	}
	return chain, nil
}

func (f *fakeRepo) UpdateParent(_ context.Context, id uuid.UUID, parentID uuid.UUID) error {
	e, ok := f.entities[id]
	if !ok {
		return hierarchy.ErrEntityNotFound
	}
	e.ParentID = uuid.NullUUID{UUID: parentID, Valid: true}
	return nil
}

func addEntity(repo *fakeRepo, tenantID uuid.UUID, parent *hierarchy.Entity, kind hierarchy.Kind, inheritCredits bool) *hierarchy.Entity {
	e := &hierarchy.Entity{
		ID:             uuid.New(),
		TenantID:       tenantID,
		Kind:           kind,
		Name:           string(kind),
		InheritCredits: inheritCredits,
		Active:         true,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	if parent != nil {
		e.ParentID = uuid.NullUUID{UUID: parent.ID, Valid: true}
	}
	repo.entities[e.ID] = e
	return e
}

func TestAncestorChainOrder(t *testing.T) {
	repo := newFakeRepo()
	tenantID := uuid.New()
	root := addEntity(repo, tenantID, nil, hierarchy.KindTenant, false)
	org := addEntity(repo, tenantID, root, hierarchy.KindOrganization, false)
	loc := addEntity(repo, tenantID, org, hierarchy.KindLocation, true)

	svc := hierarchy.NewService(repo)
	chain, err := svc.AncestorChain(context.Background(), loc.ID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.Equal(t, org.ID, chain[0].ID, "nearest ancestor first")
	require.Equal(t, root.ID, chain[1].ID, "chain ends at tenant root")
}

func TestSetParentRejectsCycle(t *testing.T) {
	repo := newFakeRepo()
	tenantID := uuid.New()
	root := addEntity(repo, tenantID, nil, hierarchy.KindTenant, false)
	org := addEntity(repo, tenantID, root, hierarchy.KindOrganization, false)
	loc := addEntity(repo, tenantID, org, hierarchy.KindLocation, false)

	svc := hierarchy.NewService(repo)

	// org under its own descendant closes a loop
	err := svc.SetParent(context.Background(), org.ID, loc.ID)
	require.ErrorIs(t, err, hierarchy.ErrInvalidHierarchy)

	// self-parenting
	err = svc.SetParent(context.Background(), org.ID, org.ID)
	require.ErrorIs(t, err, hierarchy.ErrInvalidHierarchy)

	// no write happened
	got, err := svc.GetEntity(context.Background(), org.ID)
	require.NoError(t, err)
	require.Equal(t, root.ID, got.ParentID.UUID)
}

func TestSetParentRejectsCrossTenant(t *testing.T) {
	repo := newFakeRepo()
	tenantA := uuid.New()
	tenantB := uuid.New()
	rootA := addEntity(repo, tenantA, nil, hierarchy.KindTenant, false)
	orgA := addEntity(repo, tenantA, rootA, hierarchy.KindOrganization, false)
	rootB := addEntity(repo, tenantB, nil, hierarchy.KindTenant, false)

	svc := hierarchy.NewService(repo)
	err := svc.SetParent(context.Background(), orgA.ID, rootB.ID)
	require.ErrorIs(t, err, hierarchy.ErrInvalidHierarchy)
}

func TestSetParentRejectsTenantRoot(t *testing.T) {
	repo := newFakeRepo()
	tenantID := uuid.New()
	root := addEntity(repo, tenantID, nil, hierarchy.KindTenant, false)
	org := addEntity(repo, tenantID, root, hierarchy.KindOrganization, false)

	svc := hierarchy.NewService(repo)
	err := svc.SetParent(context.Background(), root.ID, org.ID)
	require.ErrorIs(t, err, hierarchy.ErrInvalidHierarchy)
}

func TestSetParentValidMove(t *testing.T) {
	repo := newFakeRepo()
	tenantID := uuid.New()
	root := addEntity(repo, tenantID, nil, hierarchy.KindTenant, false)
	orgA := addEntity(repo, tenantID, root, hierarchy.KindOrganization, false)
	orgB := addEntity(repo, tenantID, root, hierarchy.KindOrganization, false)
	loc := addEntity(repo, tenantID, orgA, hierarchy.KindLocation, false)

	svc := hierarchy.NewService(repo)
	require.NoError(t, svc.SetParent(context.Background(), loc.ID, orgB.ID))

	got, err := svc.GetEntity(context.Background(), loc.ID)
	require.NoError(t, err)
	require.Equal(t, orgB.ID, got.ParentID.UUID)
}

func TestCreditHolderInheritance(t *testing.T) {
	repo := newFakeRepo()
	tenantID := uuid.New()
	root := addEntity(repo, tenantID, nil, hierarchy.KindTenant, false)
	org := addEntity(repo, tenantID, root, hierarchy.KindOrganization, false)
	loc := addEntity(repo, tenantID, org, hierarchy.KindLocation, true)

	svc := hierarchy.NewService(repo)

	// inheriting location bills against its organization
	holder, err := svc.CreditHolder(context.Background(), loc.ID)
	require.NoError(t, err)
	require.Equal(t, org.ID, holder.ID)

	// pool owner bills against itself
	holder, err = svc.CreditHolder(context.Background(), org.ID)
	require.NoError(t, err)
	require.Equal(t, org.ID, holder.ID)
}

func TestCreditHolderChainOfInheritors(t *testing.T) {
	repo := newFakeRepo()
	tenantID := uuid.New()
	root := addEntity(repo, tenantID, nil, hierarchy.KindTenant, false)
	org := addEntity(repo, tenantID, root, hierarchy.KindOrganization, true)
	loc := addEntity(repo, tenantID, org, hierarchy.KindLocation, true)

	svc := hierarchy.NewService(repo)
	holder, err := svc.CreditHolder(context.Background(), loc.ID)
	require.NoError(t, err)
	require.Equal(t, root.ID, holder.ID, "inheritance walks up to the tenant root")
}

func TestGetEntityNotFound(t *testing.T) {
	svc := hierarchy.NewService(newFakeRepo())
	_, err := svc.GetEntity(context.Background(), uuid.New())
	require.True(t, errors.Is(err, hierarchy.ErrEntityNotFound))
}
