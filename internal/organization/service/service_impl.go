package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	billingdomain "github.com/vuongducdai/saas-starter/internal/billing/domain"
	"github.com/vuongducdai/saas-starter/internal/organization/domain"
	pkgdb "github.com/vuongducdai/saas-starter/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type service struct {
	db          *gorm.DB
	repo        domain.Repository
	billingRepo billingdomain.Repository
	genID       *snowflake.Node
	log         *zap.Logger
}

func NewService(db *gorm.DB, repo domain.Repository, billingRepo billingdomain.Repository, genID *snowflake.Node, log *zap.Logger) domain.Service {
	return &service{
		db:          db,
		repo:        repo,
		billingRepo: billingRepo,
		genID:       genID,
		log:         log.Named("organization.service"),
	}
}

// Create inserts the organization and its billing ledger row in one
// transaction, so every organization has a ledger row from birth and
// checkout never races row creation.
func (s *service) Create(ctx context.Context, req domain.CreateOrganizationRequest) (*domain.OrganizationResponse, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}

	now := time.Now().UTC()
	orgID := s.genID.Generate()
	org := domain.Organization{
		ID:           orgID,
		Name:         name,
		Slug:         slug.Make(name),
		SupportEmail: strings.TrimSpace(req.SupportEmail),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).CreateOrganization(ctx, org); err != nil {
			return err
		}
		return s.billingRepo.Insert(ctx, tx, &billingdomain.OrganizationBilling{
			OrgID:     orgID,
			Status:    billingdomain.BillingStatusNone,
			CreatedAt: now,
			UpdatedAt: now,
		})
	})
	if err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return nil, domain.ErrSlugTaken
		}
		return nil, err
	}

	s.log.Info("organization created",
		zap.String("org_id", orgID.String()),
		zap.String("slug", org.Slug),
	)

	return toResponse(org), nil
}

func (s *service) GetByID(ctx context.Context, id string) (*domain.OrganizationResponse, error) {
	orgID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return nil, domain.ErrInvalidOrganization
	}

	org, err := s.repo.GetByID(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, domain.ErrNotFound
	}
	return toResponse(*org), nil
}

func (s *service) List(ctx context.Context) ([]domain.OrganizationResponse, error) {
	orgs, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]domain.OrganizationResponse, 0, len(orgs))
	for _, org := range orgs {
		out = append(out, *toResponse(org))
	}
	return out, nil
}

func toResponse(org domain.Organization) *domain.OrganizationResponse {
	return &domain.OrganizationResponse{
		ID:           org.ID.String(),
		Name:         org.Name,
		Slug:         org.Slug,
		SupportEmail: org.SupportEmail,
		CreatedAt:    org.CreatedAt,
	}
}
