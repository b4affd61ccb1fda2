/*
Copyright 2015 CESNET, z.s.p.o.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ipfixcol

import (
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

func init() {
	RegisterIntermediatePlugin("dummy", APIVersion, func() IntermediatePlugin { return &DummyIntermediate{} })
	RegisterIntermediatePlugin("dnslookup", APIVersion, func() IntermediatePlugin { return &DNSLookupIntermediate{} })
}

// DummyIntermediate passes every message through untouched. It exists to
// exercise chain reconfiguration and as the template for writing stages.
type DummyIntermediate struct {
	handle *StageHandle
}

func (d *DummyIntermediate) Init(params []byte, handle *StageHandle) error {
	d.handle = handle
	return nil
}

func (d *DummyIntermediate) ProcessMessage(msg *Message) error {
	return d.handle.PassMessage(msg)
}

func (d *DummyIntermediate) Close() error { return nil }

type dnsLookupConfig struct {
	// Nameserver in host:port form; empty disables the stage into a
	// pass-through.
	Nameserver string `xml:"nameserver"`
	// Timeout per query in milliseconds.
	Timeout int `xml:"timeout"`
}

type dnsCacheEntry struct {
	hostname string
	when     time.Time
}

// DNSLookupIntermediate annotates record metadata with the reverse-DNS name
// of the exporting endpoint. Lookups are cached per exporter address;
// failures are cached too so a dead nameserver cannot stall the pipeline on
// every message.
type DNSLookupIntermediate struct {
	cfg    dnsLookupConfig
	handle *StageHandle
	client *dns.Client

	mu    sync.Mutex
	cache map[string]dnsCacheEntry

	maxAge time.Duration
}

func (p *DNSLookupIntermediate) Init(params []byte, handle *StageHandle) error {
	if err := unmarshalParams(params, &p.cfg); err != nil {
		return err
	}
	p.handle = handle
	p.cache = make(map[string]dnsCacheEntry)
	p.maxAge = 5 * time.Minute

	timeout := 500 * time.Millisecond
	if p.cfg.Timeout > 0 {
		timeout = time.Duration(p.cfg.Timeout) * time.Millisecond
	}
	p.client = &dns.Client{Timeout: timeout}
	return nil
}

func (p *DNSLookupIntermediate) ProcessMessage(msg *Message) error {
	if p.cfg.Nameserver == "" || msg.InputInfo == nil || !msg.InputInfo.Addr.IsValid() {
		return p.handle.PassMessage(msg)
	}

	hostname := p.resolve(msg.InputInfo.Addr.Addr().String())
	if hostname != "" {
		for i := range msg.Metadata {
			if msg.Metadata[i].Profile == "" {
				msg.Metadata[i].Profile = hostname
			}
		}
	}
	return p.handle.PassMessage(msg)
}

func (p *DNSLookupIntermediate) resolve(addr string) string {
	p.mu.Lock()
	entry, ok := p.cache[addr]
	p.mu.Unlock()
	if ok && time.Since(entry.when) < p.maxAge {
		return entry.hostname
	}

	hostname := p.query(addr)
	p.mu.Lock()
	p.cache[addr] = dnsCacheEntry{hostname: hostname, when: time.Now()}
	p.mu.Unlock()
	return hostname
}

func (p *DNSLookupIntermediate) query(addr string) string {
	reverse, err := dns.ReverseAddr(addr)
	if err != nil {
		return ""
	}

	m := new(dns.Msg)
	m.SetQuestion(reverse, dns.TypePTR)

	resp, _, err := p.client.Exchange(m, p.cfg.Nameserver)
	if err != nil || resp == nil {
		return ""
	}
	for _, answer := range resp.Answer {
		if ptr, ok := answer.(*dns.PTR); ok {
			return strings.TrimSuffix(ptr.Ptr, ".")
		}
	}
	return ""
}

func (p *DNSLookupIntermediate) Close() error { return nil }
