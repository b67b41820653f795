package bootstrap

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"

	"chordring/internal/config"
)

const recordTTL int64 = 30

// Route53Bootstrap discovers ring members through a TXT record whose value
// set is the advertised "ip:app_port" pair of every currently-registered
// node, and keeps that set current as nodes join and leave.
type Route53Bootstrap struct {
	client       *route53.Client
	hostedZoneID string
	recordName   string
}

// NewRoute53Bootstrap builds a Bootstrap backed by a Route53 hosted zone.
// AWS credentials and region are resolved the normal SDK way (environment,
// shared config, instance role).
func NewRoute53Bootstrap(cfg config.Route53Config) (*Route53Bootstrap, error) {
	if cfg.HostedZoneID == "" {
		return nil, fmt.Errorf("bootstrap: route53 hosted_zone_id is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load aws config: %w", err)
	}
	return &Route53Bootstrap{
		client:       route53.NewFromConfig(awsCfg),
		hostedZoneID: cfg.HostedZoneID,
		recordName:   cfg.RecordName,
	}, nil
}

func (b *Route53Bootstrap) values(ctx context.Context) ([]string, error) {
	out, err := b.client.ListResourceRecordSets(ctx, &route53.ListResourceRecordSetsInput{
		HostedZoneId:    &b.hostedZoneID,
		StartRecordName: &b.recordName,
		StartRecordType: types.RRTypeTxt,
		MaxItems:        awsInt32Ptr(1),
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: list record sets: %w", err)
	}
	for _, rs := range out.ResourceRecordSets {
		if rs.Name == nil || *rs.Name != dns(b.recordName) || rs.Type != types.RRTypeTxt {
			continue
		}
		vals := make([]string, 0, len(rs.ResourceRecords))
		for _, r := range rs.ResourceRecords {
			if r.Value != nil {
				vals = append(vals, strings.Trim(*r.Value, `"`))
			}
		}
		return vals, nil
	}
	return nil, nil
}

// Discover returns the IP of every peer currently advertised under the
// configured record, in no particular order.
func (b *Route53Bootstrap) Discover(ctx context.Context) ([]string, error) {
	vals, err := b.values(ctx)
	if err != nil {
		return nil, err
	}
	peers := make([]string, 0, len(vals))
	for _, v := range vals {
		ip, _, ok := strings.Cut(v, ":")
		if ok {
			peers = append(peers, ip)
		}
	}
	return peers, nil
}

// Register adds this node's address to the record set, replacing any
// earlier entry for the same IP.
func (b *Route53Bootstrap) Register(ctx context.Context, ip string, appPort int) error {
	vals, err := b.values(ctx)
	if err != nil {
		return err
	}
	self := ip + ":" + strconv.Itoa(appPort)
	kept := vals[:0]
	for _, v := range vals {
		if peerIP, _, _ := strings.Cut(v, ":"); peerIP != ip {
			kept = append(kept, v)
		}
	}
	kept = append(kept, self)
	return b.upsert(ctx, kept)
}

// Deregister removes this node's address from the record set. When this
// node's address is the only one in the set, the record is left
// unchanged and still lists it (see upsert).
func (b *Route53Bootstrap) Deregister(ctx context.Context, ip string) error {
	vals, err := b.values(ctx)
	if err != nil {
		return err
	}
	kept := vals[:0]
	for _, v := range vals {
		if peerIP, _, _ := strings.Cut(v, ":"); peerIP != ip {
			kept = append(kept, v)
		}
	}
	return b.upsert(ctx, kept)
}

// upsert rewrites the record set to contain exactly vals. An empty vals
// writes nothing and leaves the record as it was, including any value
// it still holds; the record is never deleted.
func (b *Route53Bootstrap) upsert(ctx context.Context, vals []string) error {
	if len(vals) == 0 {
		return nil
	}
	records := make([]types.ResourceRecord, 0, len(vals))
	for _, v := range vals {
		quoted := `"` + v + `"`
		records = append(records, types.ResourceRecord{Value: &quoted})
	}
	ttl := recordTTL
	name := dns(b.recordName)
	_, err := b.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: &b.hostedZoneID,
		ChangeBatch: &types.ChangeBatch{
			Changes: []types.Change{{
				Action: types.ChangeActionUpsert,
				ResourceRecordSet: &types.ResourceRecordSet{
					Name:            &name,
					Type:            types.RRTypeTxt,
					TTL:             &ttl,
					ResourceRecords: records,
				},
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("bootstrap: change record sets: %w", err)
	}
	return nil
}

func dns(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}

func awsInt32Ptr(v int32) *int32 { return &v }
