package secrets

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

type GCPSecretManager struct {
	client    *secretmanager.Client
	projectID string
	logger    *logrus.Logger
}

// NewGCPSecretManager connects with application default credentials, or
// with credentialsFile when it is set.
func NewGCPSecretManager(ctx context.Context, projectID, credentialsFile string, logger *logrus.Logger) (*GCPSecretManager, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secretmanager client: %w", err)
	}

	return &GCPSecretManager{
		client:    client,
		projectID: projectID,
		logger:    logger,
	}, nil
}

func (g *GCPSecretManager) GetSecret(ctx context.Context, secretName string) (string, error) {
	if secretName == "" {
		return "", fmt.Errorf("secret name is empty")
	}
	req := &secretmanagerpb.AccessSecretVersionRequest{
		Name: SecretVersionName(g.projectID, secretName),
	}

	result, err := g.client.AccessSecretVersion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", secretName, err)
	}
	return string(result.Payload.Data), nil
}

func (g *GCPSecretManager) GetSecretWithDefault(ctx context.Context, secretName, defaultValue string) string {
	value, err := g.GetSecret(ctx, secretName)
	if err != nil {
		g.logger.WithError(err).WithField("secret", secretName).Debug("Failed to get secret, using default")
		return defaultValue
	}
	return strings.TrimSpace(value)
}

func (g *GCPSecretManager) Close() error {
	return g.client.Close()
}

// SecretVersionName is the resource name of the latest version of secret.
func SecretVersionName(projectID, secret string) string {
	return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", projectID, secret)
}

type SecretNames struct {
	AllTickAPIKey  string `mapstructure:"all_tick_api_key"`
	PolygonAPIKey  string `mapstructure:"polygon_api_key"`
	BackendBaseURL string `mapstructure:"backend_base_url"`
	BrokerURL      string `mapstructure:"broker_url"`
}

func DefaultSecretNames() SecretNames {
	return SecretNames{
		AllTickAPIKey:  "alltick-api-key",
		PolygonAPIKey:  "polygon-api-key",
		BackendBaseURL: "tradedesk-backend-base-url",
		BrokerURL:      "tradedesk-amqp-url",
	}
}
