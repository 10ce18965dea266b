// Package api serves the read side: receipts, listing state, health and metrics.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Checker-Finance/settlement/internal/matching"
	"github.com/Checker-Finance/settlement/internal/store"
	"github.com/Checker-Finance/settlement/pkg/model"
)

// ReceiptReader loads a composed receipt.
type ReceiptReader interface {
	GetReceipt(ctx context.Context, eventID string) (*model.Receipt, error)
}

// ListingReader loads a listing snapshot.
type ListingReader interface {
	GetListing(ctx context.Context, listingID string) (*model.Listing, error)
}

// Handler answers read queries. It never writes back into the pipeline.
type Handler struct {
	logger   *zap.Logger
	receipts ReceiptReader
	listings ListingReader
	now      func() time.Time
}

func NewHandler(logger *zap.Logger, receipts ReceiptReader, listings ListingReader) *Handler {
	return &Handler{logger: logger, receipts: receipts, listings: listings, now: time.Now}
}

// GetReceipt returns the terminal receipt for :eventId, or 404 while the
// event is still in flight.
func (h *Handler) GetReceipt(c *fiber.Ctx) error {
	eventID := c.Params("eventId")
	if eventID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "eventId is required"})
	}
	r, err := h.receipts.GetReceipt(c.Context(), eventID)
	if errors.Is(err, store.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "receipt not found", "event_id": eventID})
	}
	if err != nil {
		h.logger.Error("api.get_receipt.failed", zap.String("event_id", eventID), zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "receipt store unavailable"})
	}
	return c.JSON(r)
}

// ListingResponse is a listing with its expiry evaluated at read time.
type ListingResponse struct {
	*model.Listing
	Tradable bool `json:"tradable"`
}

func (h *Handler) GetListing(c *fiber.Ctx) error {
	listingID := c.Params("listingId")
	l, err := h.listings.GetListing(c.Context(), listingID)
	if errors.Is(err, matching.ErrListingNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "listing not found", "listing_id": listingID})
	}
	if err != nil {
		h.logger.Error("api.get_listing.failed", zap.String("listing_id", listingID), zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "listing store unavailable"})
	}
	return c.JSON(ListingResponse{Listing: l, Tradable: l.Tradable(h.now())})
}
