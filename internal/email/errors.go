package email

import (
	"context"
	"errors"
	"net"
	"net/textproto"
	"net/url"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/brandon/mailhub/pkg/types"
)

// classifyGoogleError maps Gmail API and OAuth failures onto error kinds.
func classifyGoogleError(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *types.Error
	if errors.As(err, &typed) {
		return err
	}
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		return types.NewError(types.KindAuthExpired, op, err)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case 401:
			return types.NewError(types.KindAuthExpired, op, err)
		case 404:
			return types.NewError(types.KindNotFound, op, err)
		case 400:
			return types.NewError(types.KindValidation, op, err)
		default:
			return types.NewError(types.KindRemoteBackend, op, err)
		}
	}
	if isNetworkError(err) {
		return types.NewError(types.KindProviderUnavailable, op, err)
	}
	return types.NewError(types.KindRemoteBackend, op, err)
}

// classifyMailError maps IMAP and SMTP failures onto error kinds.
func classifyMailError(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *types.Error
	if errors.As(err, &typed) {
		return err
	}
	var proto *textproto.Error
	if errors.As(err, &proto) {
		switch proto.Code {
		case 530, 534, 535:
			return types.NewError(types.KindAuthExpired, op, err)
		}
		return types.NewError(types.KindRemoteBackend, op, err)
	}
	if isNetworkError(err) {
		return types.NewError(types.KindProviderUnavailable, op, err)
	}
	return types.NewError(types.KindRemoteBackend, op, err)
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}
