package billing

import (
	"context"
	"fmt"

	"github.com/kanbanfeed/crowbar-master-backend/internal/logger"
	"github.com/stripe/stripe-go/v84"
)

const (
	stripeMetadataCatalogKey = "crowbar_catalog_key"
	accessPassCatalogKey     = "access_pass"
)

// AccessPassProductID is set by SyncCatalog.
var AccessPassProductID string

// SyncCatalog makes sure every fixed-price catalog item has a Stripe
// product, creating missing ones, and records the product ids so checkout
// line items reference them.
func (b *StripeGateway) SyncCatalog(ctx context.Context) error {
	products, err := b.listActiveProducts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list products: %w", err)
	}

	for _, t := range TierOrder {
		tier := Tiers[t]
		id, err := b.ensureProduct(ctx, products, string(tier.Tier), tier.DisplayName,
			fmt.Sprintf("Lifetime membership with %d credits", tier.Credits))
		if err != nil {
			return fmt.Errorf("failed to sync tier %s: %w", tier.Tier, err)
		}
		tier.ProductID = id
		logger.Log.Info("stripe tier synced", "tier", tier.Tier, "product_id", id)
	}

	id, err := b.ensureProduct(ctx, products, accessPassCatalogKey, "Access Pass", "Access to every partner site")
	if err != nil {
		return fmt.Errorf("failed to sync access pass: %w", err)
	}
	AccessPassProductID = id
	logger.Log.Info("stripe access pass synced", "product_id", id)

	return nil
}

func (b *StripeGateway) listActiveProducts(ctx context.Context) ([]*stripe.Product, error) {
	var products []*stripe.Product
	for p, err := range b.sc.V1Products.List(ctx, &stripe.ProductListParams{Active: stripe.Bool(true)}) {
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, nil
}

func findProduct(products []*stripe.Product, key string) string {
	for _, p := range products {
		if p.Metadata[stripeMetadataCatalogKey] == key {
			return p.ID
		}
	}
	return ""
}

func (b *StripeGateway) ensureProduct(ctx context.Context, products []*stripe.Product, key, name, description string) (string, error) {
	if id := findProduct(products, key); id != "" {
		return id, nil
	}
	params := &stripe.ProductCreateParams{
		Name:        stripe.String(name),
		Description: stripe.String(description),
		Metadata: map[string]string{
			stripeMetadataCatalogKey: key,
		},
	}
	product, err := b.sc.V1Products.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("failed to create product: %w", err)
	}
	return product.ID, nil
}
