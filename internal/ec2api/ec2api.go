// Package ec2api is the narrow cloud VM lifecycle interface the
// Cloud-VM instance variant and its fleet provider are built against.
// The cloud VM API is treated as an external collaborator consumed
// through a thin contract, not reimplemented — this package defines
// that contract plus a real AWS EC2-backed implementation and an
// in-memory fake for tests.
package ec2api

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// Tag keys externalising Instance state onto the VM resource itself,
// so the controller can be stateless about fleet identity across
// restarts.
const (
	TagExecutionID       = "Plz:Execution-Id"
	TagGroupID           = "Plz:Group-Id"
	TagMaxIdleSeconds    = "Plz:Max-Idle-Seconds"
	TagIdleSinceTimestamp = "Plz:Idle-Since-Timestamp"
)

// Instance is the subset of EC2 instance state the controller cares
// about.
type Instance struct {
	InstanceID   string
	InstanceType string
	State        string // "pending", "running", "stopped", "terminated", ...
	PrivateIP    string
	Tags         map[string]string
}

func (i Instance) Tag(key string) string { return i.Tags[key] }

// Client is the narrow contract against the cloud VM API.
type Client interface {
	// DescribeGroup lists every instance whose group tag is groupID;
	// onlyRunning limits the list to running instances. Logically-deleted
	// instances (group tag cleared) are never listed.
	DescribeGroup(ctx context.Context, groupID string, onlyRunning bool) ([]Instance, error)
	// DescribeInstance fetches the current state of one instance.
	DescribeInstance(ctx context.Context, instanceID string) (*Instance, error)
	// SetTags atomically applies the given tags to the instance and
	// returns its refreshed state. This is the serialization point the
	// acquire algorithm's "set-and-read-back" pattern relies on.
	SetTags(ctx context.Context, instanceID string, tags map[string]string) (*Instance, error)
	// RequestSpotInstance asks for one new instance in the group of the
	// given instance type; it returns immediately with a request id
	// that must be polled via PollSpotRequest.
	RequestSpotInstance(ctx context.Context, groupID, instanceType string) (requestID string, err error)
	// PollSpotRequest reports the instance id once the spot request is
	// fulfilled, or "" while still pending.
	PollSpotRequest(ctx context.Context, requestID string) (instanceID string, err error)
	// Terminate disposes of an instance permanently.
	Terminate(ctx context.Context, instanceID string) error
}

// awsClient implements Client against the real EC2 API.
type awsClient struct {
	svc *ec2.Client
}

// NewAWS builds a Client backed by the given EC2 API client (typically
// constructed from aws-sdk-go-v2/config.LoadDefaultConfig).
func NewAWS(svc *ec2.Client) Client {
	return &awsClient{svc: svc}
}

func toInstance(in ec2types.Instance) Instance {
	tags := make(map[string]string, len(in.Tags))
	for _, t := range in.Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return Instance{
		InstanceID:   aws.ToString(in.InstanceId),
		InstanceType: string(in.InstanceType),
		State:        string(in.State.Name),
		PrivateIP:    aws.ToString(in.PrivateIpAddress),
		Tags:         tags,
	}
}

func (c *awsClient) DescribeGroup(ctx context.Context, groupID string, onlyRunning bool) ([]Instance, error) {
	filters := []ec2types.Filter{
		{Name: aws.String("tag:" + TagGroupID), Values: []string{groupID}},
	}
	if onlyRunning {
		filters = append(filters, ec2types.Filter{Name: aws.String("instance-state-name"), Values: []string{"running"}})
	}
	out, err := c.svc.DescribeInstances(ctx, &ec2.DescribeInstancesInput{Filters: filters})
	if err != nil {
		return nil, fmt.Errorf("describe instance group %s: %w", groupID, err)
	}
	var instances []Instance
	for _, res := range out.Reservations {
		for _, in := range res.Instances {
			instances = append(instances, toInstance(in))
		}
	}
	return instances, nil
}

func (c *awsClient) DescribeInstance(ctx context.Context, instanceID string) (*Instance, error) {
	out, err := c.svc.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return nil, fmt.Errorf("describe instance %s: %w", instanceID, err)
	}
	for _, res := range out.Reservations {
		for _, in := range res.Instances {
			inst := toInstance(in)
			return &inst, nil
		}
	}
	return nil, fmt.Errorf("instance %s not found", instanceID)
}

func (c *awsClient) SetTags(ctx context.Context, instanceID string, tags map[string]string) (*Instance, error) {
	ec2Tags := make([]ec2types.Tag, 0, len(tags))
	for k, v := range tags {
		ec2Tags = append(ec2Tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	if _, err := c.svc.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{instanceID},
		Tags:      ec2Tags,
	}); err != nil {
		return nil, fmt.Errorf("tag instance %s: %w", instanceID, err)
	}
	return c.DescribeInstance(ctx, instanceID)
}

func (c *awsClient) RequestSpotInstance(ctx context.Context, groupID, instanceType string) (string, error) {
	out, err := c.svc.RequestSpotInstances(ctx, &ec2.RequestSpotInstancesInput{
		InstanceCount: aws.Int32(1),
		LaunchSpecification: &ec2types.RequestSpotLaunchSpecification{
			InstanceType: ec2types.InstanceType(instanceType),
		},
	})
	if err != nil {
		return "", fmt.Errorf("request spot instance (type %s): %w", instanceType, err)
	}
	if len(out.SpotInstanceRequests) == 0 {
		return "", fmt.Errorf("spot request returned no requests")
	}
	reqID := aws.ToString(out.SpotInstanceRequests[0].SpotInstanceRequestId)
	if _, err := c.svc.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{reqID},
		Tags: []ec2types.Tag{
			{Key: aws.String(TagGroupID), Value: aws.String(groupID)},
			{Key: aws.String(TagExecutionID), Value: aws.String("")},
		},
	}); err != nil {
		return reqID, fmt.Errorf("tag spot request %s: %w", reqID, err)
	}
	return reqID, nil
}

func (c *awsClient) PollSpotRequest(ctx context.Context, requestID string) (string, error) {
	out, err := c.svc.DescribeSpotInstanceRequests(ctx, &ec2.DescribeSpotInstanceRequestsInput{
		SpotInstanceRequestIds: []string{requestID},
	})
	if err != nil {
		return "", fmt.Errorf("poll spot request %s: %w", requestID, err)
	}
	if len(out.SpotInstanceRequests) == 0 {
		return "", fmt.Errorf("spot request %s not found", requestID)
	}
	req := out.SpotInstanceRequests[0]
	return aws.ToString(req.InstanceId), nil
}

func (c *awsClient) Terminate(ctx context.Context, instanceID string) error {
	if _, err := c.svc.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}}); err != nil {
		return fmt.Errorf("terminate instance %s: %w", instanceID, err)
	}
	return nil
}

// Fake is an in-memory Client used by tests in place of a real EC2 API
// round trip.
type Fake struct {
	mu        sync.Mutex
	instances map[string]*Instance
	requests  map[string]string // requestID -> instanceID, "" while pending
	seq       int
}

func NewFake() *Fake {
	return &Fake{instances: map[string]*Instance{}, requests: map[string]string{}}
}

// Seed injects an already-running instance into the fake fleet.
func (f *Fake) Seed(inst Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := inst
	if cp.Tags == nil {
		cp.Tags = map[string]string{}
	}
	f.instances[inst.InstanceID] = &cp
}

func (f *Fake) DescribeGroup(ctx context.Context, groupID string, onlyRunning bool) ([]Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Instance
	for _, inst := range f.instances {
		if inst.Tags[TagGroupID] != groupID {
			continue
		}
		if onlyRunning && inst.State != "running" {
			continue
		}
		out = append(out, *inst)
	}
	return out, nil
}

func (f *Fake) DescribeInstance(ctx context.Context, instanceID string) (*Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("instance %s not found", instanceID)
	}
	cp := *inst
	return &cp, nil
}

func (f *Fake) SetTags(ctx context.Context, instanceID string, tags map[string]string) (*Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("instance %s not found", instanceID)
	}
	for k, v := range tags {
		inst.Tags[k] = v
	}
	cp := *inst
	return &cp, nil
}

func (f *Fake) RequestSpotInstance(ctx context.Context, groupID, instanceType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	instanceID := "i-fake" + strconv.Itoa(f.seq)
	f.instances[instanceID] = &Instance{
		InstanceID:   instanceID,
		InstanceType: instanceType,
		State:        "running",
		PrivateIP:    fmt.Sprintf("10.0.0.%d", f.seq),
		Tags: map[string]string{
			TagGroupID:     groupID,
			TagExecutionID: "",
		},
	}
	reqID := "sir-fake" + strconv.Itoa(f.seq)
	f.requests[reqID] = instanceID
	return reqID, nil
}

func (f *Fake) PollSpotRequest(ctx context.Context, requestID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[requestID], nil
}

func (f *Fake) Terminate(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[instanceID]
	if !ok {
		return nil
	}
	inst.State = "terminated"
	inst.Tags[TagGroupID] = ""
	return nil
}
