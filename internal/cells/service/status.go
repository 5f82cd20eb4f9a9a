package service

import (
	appErr "celld/pkg/errors"

	"google.golang.org/grpc/status"
)

// StatusFromError converts a domain error into the gRPC status the transport
// reports. Non-domain errors surface as Internal.
func StatusFromError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	e := appErr.GetError(err)
	return status.Error(e.Code.GRPCCode(), e.Error())
}
