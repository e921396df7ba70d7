package remote

import (
	"context"
	"errors"

	"resume-feedback/internal/apperr"
	"resume-feedback/internal/resilience"
	"resume-feedback/internal/storage"
)

// classify 把存储层错误转换为带错误码的分类错误，已分类的错误原样返回
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return apperr.Wrap(apperr.CodeCancelled, op, err, "")
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(apperr.CodeTimeout, op, err, "")
	case errors.Is(err, storage.ErrObjectNotFound), errors.Is(err, storage.ErrRecordNotFound):
		return apperr.Wrap(apperr.CodeNotFound, op, err, "")
	case errors.Is(err, storage.ErrObjectExists), errors.Is(err, storage.ErrDuplicateRecord):
		return apperr.Wrap(apperr.CodeConflict, op, err, "")
	case errors.Is(err, storage.ErrAccessDenied):
		return apperr.Wrap(apperr.CodePermission, op, err, "")
	}

	if resilience.IsRetryable(err) {
		return apperr.Wrap(apperr.CodeTransport, op, err, "")
	}
	return apperr.Wrap(apperr.CodeStorage, op, err, "")
}
