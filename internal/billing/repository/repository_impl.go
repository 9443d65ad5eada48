package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/vuongducdai/saas-starter/internal/billing/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() billingdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, row *billingdomain.OrganizationBilling) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO organization_billing (
			org_id, stripe_customer_id, stripe_subscription_id, stripe_product_id,
			plan_name, status, last_sequence, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.OrgID,
		row.StripeCustomerID,
		row.StripeSubscriptionID,
		row.StripeProductID,
		row.PlanName,
		row.Status,
		row.LastSequence,
		row.CreatedAt,
		row.UpdatedAt,
	).Error
}

func (r *repo) FindByOrgID(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*billingdomain.OrganizationBilling, error) {
	return r.findOne(ctx, db, `org_id = ?`, orgID)
}

func (r *repo) FindByCustomerID(ctx context.Context, db *gorm.DB, customerID string) (*billingdomain.OrganizationBilling, error) {
	if customerID == "" {
		return nil, nil
	}
	return r.findOne(ctx, db, `stripe_customer_id = ?`, customerID)
}

func (r *repo) FindBySubscriptionID(ctx context.Context, db *gorm.DB, subscriptionID string) (*billingdomain.OrganizationBilling, error) {
	if subscriptionID == "" {
		return nil, nil
	}
	return r.findOne(ctx, db, `stripe_subscription_id = ?`, subscriptionID)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, where string, arg any) (*billingdomain.OrganizationBilling, error) {
	var row billingdomain.OrganizationBilling
	err := db.WithContext(ctx).Raw(
		`SELECT org_id, stripe_customer_id, stripe_subscription_id, stripe_product_id,
		 plan_name, status, last_sequence, created_at, updated_at
		 FROM organization_billing WHERE `+where,
		arg,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.OrgID == 0 {
		return nil, nil
	}
	return &row, nil
}

// CASUpdate is the single write path for reconciled state. The guard on
// last_sequence makes concurrent applies race safely at the store layer: the
// loser writes nothing and reports false.
func (r *repo) CASUpdate(ctx context.Context, db *gorm.DB, orgID snowflake.ID, expectedSequence int64, fields billingdomain.UpdateFields) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE organization_billing SET
			stripe_customer_id = ?,
			stripe_subscription_id = ?,
			stripe_product_id = ?,
			plan_name = ?,
			status = ?,
			last_sequence = ?,
			updated_at = ?
		 WHERE org_id = ? AND last_sequence = ?`,
		fields.StripeCustomerID,
		fields.StripeSubscriptionID,
		fields.StripeProductID,
		fields.PlanName,
		fields.Status,
		fields.Sequence,
		time.Now().UTC(),
		orgID,
		expectedSequence,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
