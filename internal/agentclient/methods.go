package agentclient

import "time"

// methodPolicy is one row of the explicit method table Design Note 9
// calls for in place of the source's dynamic method-name interception:
// retries applies only to RpcTimeout, never to other error kinds.
type methodPolicy struct {
	retries         int
	timeoutOverride time.Duration
}

// methodTable is the fixed, closed set of RPC methods the agent client
// exposes, per spec.md §4.C. Methods absent from this map get the zero
// policy (0 retries, default timeout).
var methodTable = map[string]methodPolicy{
	"get_state":   {retries: 2},
	"get_task":    {retries: 2},
	"upload_blob": {retries: 3},
}

func policyFor(method string) methodPolicy {
	return methodTable[method]
}

const (
	defaultRequestTimeout = 45 * time.Second
	taskPollInterval      = 1 * time.Second
	stopOuterTimeout      = 300 * time.Second
	waitUntilReadyDeadline = 600 * time.Second
	waitUntilReadyPingTimeout = 1 * time.Second
)
