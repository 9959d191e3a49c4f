package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/sirupsen/logrus"
)

// Credentials is the payload stored behind an account's credentials handle:
// a JSON document with the broker login, password and optional server
// override.
type Credentials struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Server   string `json:"server,omitempty"`
}

type GCPSecretManager struct {
	client    *secretmanager.Client
	projectID string
	logger    *logrus.Logger
}

func NewGCPSecretManager(ctx context.Context, projectID string, logger *logrus.Logger) (*GCPSecretManager, error) {
	client, err := secretmanager.NewClient(ctx)
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
	// Build the resource name of the secret version
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", g.projectID, secretName)

	req := &secretmanagerpb.AccessSecretVersionRequest{
		Name: name,
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

// ResolveCredentials fetches and parses the credentials behind an account's
// opaque handle. The handle is the secret name.
func (g *GCPSecretManager) ResolveCredentials(ctx context.Context, ref string) (Credentials, error) {
	raw, err := g.GetSecret(ctx, ref)
	if err != nil {
		return Credentials{}, err
	}

	var creds Credentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return Credentials{}, fmt.Errorf("credentials %s are not valid JSON: %w", ref, err)
	}
	if creds.Login == "" || creds.Password == "" {
		return Credentials{}, fmt.Errorf("credentials %s are missing login or password", ref)
	}
	return creds, nil
}

func (g *GCPSecretManager) Close() error {
	return g.client.Close()
}
