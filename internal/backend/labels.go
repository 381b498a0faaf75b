package backend

import "github.com/dockhand/dockhand/internal/plan"

// Engine object labels. Every object a backend creates carries the
// owner and stack labels, so listing by label is equivalent to listing
// by ownership.
const (
	LabelOwner       = "dockhand.owner"
	LabelStack       = "dockhand.stack"
	LabelSecret      = "dockhand.secret"
	LabelContent     = "dockhand.content"
	LabelFingerprint = "dockhand.fingerprint"

	OwnerValue = "dockhand"
)

// Compose project labels. The composition backend relies on docker
// compose stamping these on containers and networks it creates.
const (
	LabelComposeProject = "com.docker.compose.project"
	LabelComposeService = "com.docker.compose.service"
)

// StackLabels returns the ownership labels for one stack's objects.
func StackLabels(stack string) map[string]string {
	return map[string]string{
		LabelOwner: OwnerValue,
		LabelStack: stack,
	}
}

// SecretLabels returns the labels for one materialized engine secret.
// The content label carries the full payload hash, so a later run can
// detect an addressed name pointing at foreign content without reading
// the secret back.
func SecretLabels(stack string, sp plan.SecretPlan) map[string]string {
	l := StackLabels(stack)
	l[LabelSecret] = sp.Name
	l[LabelContent] = sp.Hash
	return l
}

// ServiceName returns the engine-side name of a service, scoped by
// stack the same way compose and swarm scope their objects.
func ServiceName(stack, service string) string {
	return stack + "_" + service
}
