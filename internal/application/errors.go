package application

import (
	"context"
	"errors"

	"github.com/commerce-platform/stock-engine/internal/domain"
	apperrors "github.com/commerce-platform/stock-engine/pkg/errors"
)

// MapError translates domain errors into transport errors
func MapError(err error) *apperrors.AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := apperrors.AsAppError(err); ok {
		return appErr
	}

	var short *domain.InsufficientStockError
	switch {
	case errors.As(err, &short):
		return apperrors.ErrInsufficientStock("insufficient stock for one or more items").
			WithPayload(map[string]any{"items": short.Items}).
			Wrap(err)
	case errors.Is(err, domain.ErrReservationNotFound):
		return apperrors.ErrNotFound("reservation").Wrap(err)
	case errors.Is(err, domain.ErrStockItemNotFound):
		return apperrors.ErrNotFound("stock item").Wrap(err)
	case errors.Is(err, domain.ErrInvalidTransition):
		return apperrors.ErrInvalidTransition(err.Error()).Wrap(err)
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return apperrors.ErrConcurrencyConflict("stock changed concurrently, retry the request").Wrap(err)
	case errors.Is(err, domain.ErrIdempotencyKeyMismatch):
		return apperrors.ErrIdempotencyMismatch(err.Error()).Wrap(err)
	case errors.Is(err, domain.ErrStockItemExists):
		return apperrors.ErrConflict(err.Error()).Wrap(err)
	case errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrEmptyReservation),
		errors.Is(err, domain.ErrInvalidReason),
		errors.Is(err, domain.ErrZeroDelta),
		errors.Is(err, domain.ErrMissingProductID):
		return apperrors.ErrValidation(err.Error()).Wrap(err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.ErrTimeout("stock operation").Wrap(err)
	}
	return apperrors.ErrInternal("").Wrap(err)
}
