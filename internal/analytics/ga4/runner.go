package ga4

import (
	"context"
	"fmt"
	"os"

	"github.com/smallbiznis/collator/internal/analytics/domain"
	analyticsdata "google.golang.org/api/analyticsdata/v1beta"
	"google.golang.org/api/option"
)

type serviceRunner struct {
	svc *analyticsdata.Service
}

// NewServiceRunner authenticates with a service-account key file.
func NewServiceRunner(ctx context.Context, credentialsPath string) (Runner, error) {
	if _, err := os.Stat(credentialsPath); err != nil {
		return nil, fmt.Errorf("%w: analytics credentials %q: %v", domain.ErrConfig, credentialsPath, err)
	}
	svc, err := analyticsdata.NewService(ctx,
		option.WithCredentialsFile(credentialsPath),
		option.WithScopes(analyticsdata.AnalyticsReadonlyScope),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: analytics client: %v", domain.ErrConfig, err)
	}
	return &serviceRunner{svc: svc}, nil
}

func (r *serviceRunner) RunReport(ctx context.Context, property string, req *analyticsdata.RunReportRequest) (*analyticsdata.RunReportResponse, error) {
	return r.svc.Properties.RunReport(property, req).Context(ctx).Do()
}
