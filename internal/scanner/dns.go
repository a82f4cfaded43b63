package scanner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/BSI-Bund/Katti/internal/ooi"
	"github.com/BSI-Bund/Katti/internal/store"
)

// TypeDNS is the bundled resolver connector type.
const TypeDNS = "dns"

var defaultRecordTypes = []uint16{dns.TypeA, dns.TypeAAAA, dns.TypeMX, dns.TypeNS, dns.TypeTXT}

func init() {
	Register(TypeDNS, func(cfg store.ScannerConfig) (Scanner, error) {
		return NewDNS(cfg.Args)
	})
}

// DNS resolves domain items against a configured nameserver and derives
// address items from the answers.
type DNS struct {
	nameserver string
	types      []uint16
	client     *dns.Client
}

// NewDNS builds the resolver from registry args. Recognized args:
// "nameserver" (host:port, required) and "record_types" (comma-separated
// record type names, default A,AAAA,MX,NS,TXT).
func NewDNS(args map[string]string) (*DNS, error) {
	ns := args["nameserver"]
	if ns == "" {
		return nil, fmt.Errorf("dns scanner: nameserver arg required")
	}
	types := defaultRecordTypes
	if raw := args["record_types"]; raw != "" {
		types = nil
		for _, name := range strings.Split(raw, ",") {
			name = strings.ToUpper(strings.TrimSpace(name))
			rt, ok := dns.StringToType[name]
			if !ok {
				return nil, fmt.Errorf("dns scanner: unknown record type %q", name)
			}
			types = append(types, rt)
		}
	}
	return &DNS{
		nameserver: ns,
		types:      types,
		client:     &dns.Client{Timeout: 5 * time.Second},
	}, nil
}

func (d *DNS) Type() string   { return TypeDNS }
func (d *DNS) HasQuota() bool { return false }

// FilterFields keys cached lookups by the nameserver, answers differ per
// resolver.
func (d *DNS) FilterFields(ooi.OOI) map[string]string {
	return map[string]string{"nameserver": d.nameserver}
}

func (d *DNS) Scan(ctx context.Context, ex *Execution) error {
	if ex.OOI.Type != ooi.TypeDomain {
		return &APIError{Text: fmt.Sprintf("unsupported ooi type %q", ex.OOI.Type)}
	}
	fqdn := dns.Fqdn(ex.OOI.Value)
	records := map[string][]string{}
	for _, rt := range d.types {
		answers, err := d.query(ctx, fqdn, rt)
		if err != nil {
			return fmt.Errorf("query %s %s: %w", fqdn, dns.TypeToString[rt], err)
		}
		for _, rr := range answers {
			name := dns.TypeToString[rr.Header().Rrtype]
			records[name] = append(records[name], rdata(rr))
			switch a := rr.(type) {
			case *dns.A:
				ex.Derive(ooi.TypeIPv4, a.A.String())
			case *dns.AAAA:
				ex.Derive(ooi.TypeIPv6, a.AAAA.String())
			case *dns.CNAME:
				ex.Derive(ooi.TypeDomain, strings.TrimSuffix(a.Target, "."))
			}
		}
	}
	ex.Payload = map[string]any{
		"nameserver": d.nameserver,
		"records":    records,
	}
	return nil
}

func (d *DNS) query(ctx context.Context, fqdn string, rt uint16) ([]dns.RR, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, rt)
	msg.RecursionDesired = true
	resp, _, err := d.client.ExchangeContext(ctx, msg, d.nameserver)
	if err != nil {
		return nil, err
	}
	switch resp.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError:
		return resp.Answer, nil
	default:
		return nil, fmt.Errorf("rcode %s", dns.RcodeToString[resp.Rcode])
	}
}

// rdata renders the record data without the header prefix.
func rdata(rr dns.RR) string {
	s := rr.String()
	if i := strings.LastIndex(s, "\t"); i >= 0 {
		return s[i+1:]
	}
	return s
}
