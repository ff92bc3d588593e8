// Package azure holds the credential selection shared by the blob archive
// and the queue transport.
package azure

import (
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

const (
	// Standard Azurite account name and key
	azuriteAccountName = "devstoreaccount1"
	azuriteAccountKey  = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="
)

// IsLocal reports whether serviceURL points at an emulator (plain http).
func IsLocal(serviceURL string) bool {
	return strings.HasPrefix(serviceURL, "http://")
}

// AzuriteCredentials returns the well-known emulator account.
func AzuriteCredentials() (string, string) {
	return azuriteAccountName, azuriteAccountKey
}

// DefaultCredential uses managed identity, environment or CLI login.
func DefaultCredential() (azcore.TokenCredential, error) {
	return azidentity.NewDefaultAzureCredential(nil)
}
