package provider

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewReference builds a globally unique, provider-correlatable payment
// reference: <namespace>_<provider_tag>_<unix>_<random>. The reference is the
// only key by which an inbound webhook may be matched to a payment record.
func NewReference(namespace string, id ID) string {
	ns := strings.TrimSpace(namespace)
	if ns == "" {
		ns = "stays"
	}
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s_%s_%d_%s", ns, id.Tag(), time.Now().Unix(), random)
}
