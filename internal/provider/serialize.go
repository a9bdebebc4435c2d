package provider

import (
	"context"
	"fmt"

	"github.com/manash/qrmr/pkg/models"
)

// Serialize satisfies a multi-image request against a backend that returns
// one image per call. Each slot gets its own copy of req (see
// GenerateRequest.Single). Failed slots become result warnings; an error is
// returned only when no slot produced an image. Auth and config failures stop
// the loop since later slots would fail the same way.
func Serialize(ctx context.Context, name string, req *models.GenerateRequest, one func(context.Context, *models.GenerateRequest) (*models.GenerateResult, error)) (*models.GenerateResult, error) {
	total := req.NumImages
	if total < 1 {
		total = 1
	}

	out := &models.GenerateResult{}
	var firstErr error

	for slot := 0; slot < total; slot++ {
		if err := ctx.Err(); err != nil {
			if firstErr == nil {
				firstErr = &Error{Kind: KindTransient, Provider: name, Message: "canceled", Err: err}
			}
			break
		}

		res, err := one(ctx, req.Single(slot))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			out.Warnings = append(out.Warnings, fmt.Sprintf("image %d of %d failed: %v", slot+1, total, err))
			if k := KindOf(err); k == KindAuth || k == KindConfig {
				break
			}
			continue
		}

		out.Images = append(out.Images, res.Images...)
		out.Warnings = append(out.Warnings, res.Warnings...)
		if out.RequestID == "" {
			out.RequestID = res.RequestID
		}
		if out.Raw == nil {
			out.Raw = res.Raw
		}
	}

	if len(out.Images) == 0 {
		if firstErr == nil {
			firstErr = NoImages(name, nil)
		}
		return nil, firstErr
	}
	return out, nil
}
