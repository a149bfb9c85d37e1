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

// NewGCPSecretManager uses application default credentials unless
// credentialsFile names a service account key.
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
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", g.projectID, secretName)

	result, err := g.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: name,
	})
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", secretName, err)
	}

	return string(result.Payload.Data), nil
}

func (g *GCPSecretManager) GetSecretWithDefault(ctx context.Context, secretName, defaultValue string) string {
	if secretName == "" {
		return defaultValue
	}
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

type SecretNames struct {
	AdvisoryAPIKey   string `mapstructure:"advisory_api_key"`
	LedgerKeyName    string `mapstructure:"ledger_key_name"`
	LedgerPrivateKey string `mapstructure:"ledger_private_key"`
	LedgerSecret     string `mapstructure:"ledger_secret"`
	RedisPassword    string `mapstructure:"redis_password"`
	BackupAccessKey  string `mapstructure:"backup_access_key"`
	BackupSecretKey  string `mapstructure:"backup_secret_key"`
}

func DefaultSecretNames() SecretNames {
	return SecretNames{
		AdvisoryAPIKey:   "arbai-advisory-api-key",
		LedgerKeyName:    "arbai-ledger-key-name",
		LedgerPrivateKey: "arbai-ledger-private-key",
		LedgerSecret:     "arbai-ledger-secret",
		RedisPassword:    "arbai-redis-password",
		BackupAccessKey:  "arbai-backup-access-key",
		BackupSecretKey:  "arbai-backup-secret-key",
	}
}
