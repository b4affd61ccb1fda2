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
	"encoding/binary"
	"hash/crc32"
	"strconv"
	"sync"
	"time"
)

// odidInfo tracks the collector-side state of one observation domain: its
// own sequence number, the next free collector-unique template id and the
// number of sources currently feeding it.
type odidInfo struct {
	sequenceNumber uint32
	freeTemplateID uint16
	sources        int
}

// Preprocessor turns raw datagrams into parsed messages: it registers
// templates, renumbers them to collector-unique ids, resolves data couples,
// reconciles sequence numbers per observation domain and publishes the
// result to the first pipeline queue. It is driven by the input plugin
// threads; concurrent calls are serialised.
type Preprocessor struct {
	mu sync.Mutex

	out       *RingBuffer
	templates *TemplateManager
	stats     *StatsTracker

	// SkipSequenceErrors suppresses the warning on exporter sequence gaps
	// (the -s flag); the counters are reconciled either way.
	SkipSequenceErrors bool

	// LiveProfile is the opaque profile tag copied into every record's
	// metadata; it is empty unless set by the preprocessor's owner.
	LiveProfile string

	odids      map[uint32]*odidInfo
	msgCounter uint32

	now func() time.Time
}

func NewPreprocessor(out *RingBuffer, templates *TemplateManager, stats *StatsTracker) *Preprocessor {
	return &Preprocessor{
		out:       out,
		templates: templates,
		stats:     stats,
		odids:     make(map[uint32]*odidInfo),
		now:       time.Now,
	}
}

// SetOutputQueue redirects the preprocessor to a new first-stage queue. The
// configurator does not call it: it rewires the stages that read from the
// preprocessor's queue instead. Callers keep the input threads quiescent.
func (p *Preprocessor) SetOutputQueue(out *RingBuffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = out
}

// OutputQueue returns the queue the preprocessor currently publishes to.
func (p *Preprocessor) OutputQueue() *RingBuffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out
}

func (p *Preprocessor) odidInfoGet(odid uint32) *odidInfo {
	oi, ok := p.odids[odid]
	if !ok {
		oi = &odidInfo{freeTemplateID: MinTemplateID, sources: 1}
		p.odids[odid] = oi
	}
	return oi
}

// SequenceNumber reports the collector's sequence counter for one
// observation domain.
func (p *Preprocessor) SequenceNumber(odid uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.odidInfoGet(odid).sequenceNumber
}

// sourceCRC fingerprints the exporting endpoint: the human-readable address
// concatenated with the decimal port for network sources, the path for file
// sources. Templates of same-ODID exporters stay disjoint this way.
func sourceCRC(info *InputInfo) uint32 {
	if info.Type == SourceTypeFile {
		return crc32.ChecksumIEEE([]byte(info.Path))
	}
	s := info.Addr.Addr().String() + strconv.Itoa(int(info.Addr.Port()))
	return crc32.ChecksumIEEE([]byte(s))
}

// ProcessPacket is the entry point of the data plane: one raw datagram in,
// one message published. Closed sources emit a header-only sentinel so the
// pipeline can tear down per-source state downstream.
func (p *Preprocessor) ProcessPacket(packet []byte, info *InputInfo, status SourceStatus) {
	if info == nil {
		Log.V(0).Info("dropping packet without input info")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if status == SourceClosed {
		msg := &Message{InputInfo: info, SourceStatus: SourceClosed}
		oi := p.odidInfoGet(info.ODID)
		oi.sources--
		if oi.sources <= 0 {
			oi.sequenceNumber = 0
		}
		p.publish(msg)
		return
	}

	if len(packet) == 0 {
		Log.V(0).Info("received empty message", "odid", info.ODID)
		return
	}

	msg, err := NewMessage(packet, info, status)
	if err != nil {
		MalformedPacketsTotal.Inc()
		Log.Error(err, "dropping malformed packet", "odid", info.ODID, "source", info.Addr)
		return
	}
	msg.LiveProfile = p.LiveProfile

	odid := msg.Header.ObservationDomainID
	if status == SourceNew {
		if oi, ok := p.odids[odid]; ok {
			oi.sources++
			Log.V(0).Info("accepted another source for observation domain", "odid", odid, "sources", oi.sources)
		} else {
			p.odidInfoGet(odid)
		}
	}

	p.msgCounter++
	p.processTemplates(msg)

	oi := p.odidInfoGet(odid)

	// reconcile exporter and collector sequence numbers; only messages with
	// data records advance the exporter's counter
	if info.SequenceNumber != msg.Header.SequenceNumber && msg.DataRecords > 0 {
		delta := msg.Header.SequenceNumber - info.SequenceNumber
		if !p.SkipSequenceErrors {
			Log.V(0).Info("sequence number error", "odid", odid,
				"expected", info.SequenceNumber, "got", msg.Header.SequenceNumber)
		}
		oi.sequenceNumber += delta
		// resync the per-source tracking so the gap is counted only once
		info.SequenceNumber = msg.Header.SequenceNumber
		if int32(delta) > 0 {
			if p.stats != nil {
				p.stats.AddLost(odid, delta)
			}
			LostRecordsTotal.WithLabelValues(strconv.FormatUint(uint64(odid), 10)).Add(float64(delta))
		}
	}

	msg.SetSequenceNumber(oi.sequenceNumber)
	info.SequenceNumber += uint32(msg.DataRecords)
	oi.sequenceNumber += uint32(msg.DataRecords)

	if p.stats != nil {
		p.stats.AddPacket(odid, msg.DataRecords)
	}
	label := strconv.FormatUint(uint64(odid), 10)
	PacketsTotal.WithLabelValues(label).Inc()
	DataRecordsTotal.WithLabelValues(label).Add(float64(msg.DataRecords))

	p.publish(msg)
}

func (p *Preprocessor) publish(msg *Message) {
	if err := p.out.Write(msg, 1); err != nil {
		Log.Error(err, "unable to write into the pipeline queue; skipping data", "odid", msg.Header.ObservationDomainID)
		msg.release()
	}
}

// processTemplates walks the message's template and options template sets,
// registers every record with the manager, rewrites template ids in the wire
// buffer to collector-unique ones and resolves data couples.
func (p *Preprocessor) processTemplates(msg *Message) {
	key := TemplateKey{
		ODID: msg.Header.ObservationDomainID,
		CRC:  sourceCRC(msg.InputInfo),
	}

	for _, set := range msg.TemplateSets {
		p.processTemplateSet(msg, set, TemplateKindData, key)
	}
	for _, set := range msg.OptionsTemplateSets {
		p.processTemplateSet(msg, set, TemplateKindOptions, key)
	}

	p.resolveDataCouples(msg, key)
}

func (p *Preprocessor) processTemplateSet(msg *Message, set []byte, kind TemplateKind, key TemplateKey) {
	body := set[SetHeaderLength:]
	for len(body) >= TemplateWithdrawLength {
		consumed := p.processOneTemplate(msg, body, kind, key)
		if consumed <= 0 {
			break
		}
		if kind == TemplateKindData {
			msg.TemplateRecords++
		} else {
			msg.OptTemplateRecords++
		}
		body = body[consumed:]
	}
}

// processOneTemplate handles a single (options) template record: a
// withdrawal, a new registration or an update. It returns the record's wire
// length, or 0 when the rest of the set must be skipped because the record
// could not be parsed.
func (p *Preprocessor) processOneTemplate(msg *Message, rec []byte, kind TemplateKind, key TemplateKey) int {
	id, count, ok := templateRecordHeader(rec)
	if !ok {
		return 0
	}
	key.TemplateID = id
	odid := key.ODID

	if count == 0 {
		// withdrawal record
		if msg.InputInfo.Type == SourceTypeUDP {
			// RFC 5101 10.1: withdrawals are illegal over UDP
			Log.V(0).Info("ignoring template withdrawal received over UDP", "odid", odid)
			return TemplateWithdrawLength
		}
		switch id {
		case WithdrawAllDataTemplates:
			key.TemplateID = 0
			p.templates.Remove(key, TemplateKindData)
		case WithdrawAllOptionsTemplates:
			key.TemplateID = 0
			p.templates.Remove(key, TemplateKindOptions)
		default:
			Log.V(0).Info("received withdrawal message", "odid", odid, "kind", kind.String(), "template_id", id)
			if err := p.templates.Remove(key, kind); err != nil {
				Log.V(0).Info("withdrawal for unknown template", "odid", odid, "template_id", id)
			}
		}
		return TemplateWithdrawLength
	}

	if id < MinTemplateID {
		Log.V(0).Info("template id is reserved and not valid for data sets", "odid", odid, "kind", kind.String(), "template_id", id)
		return TemplateWithdrawLength
	}

	var t *Template
	var consumed int
	var err error

	if existing := p.templates.Get(key); existing == nil {
		Log.V(0).Info("new template", "odid", odid, "kind", kind.String(), "template_id", id)
		t, consumed, err = p.templates.Add(rec, kind, key, p.odidInfoGet(odid).nextTemplateID())
	} else {
		Log.V(1).Info("template already exists; rewriting", "odid", odid, "kind", kind.String(), "template_id", id)
		t, consumed, err = p.templates.Update(rec, kind, key)
	}
	if err != nil {
		Log.Error(err, "cannot parse template set; skipping to next set", "odid", odid, "kind", kind.String())
		return 0
	}

	if msg.InputInfo.Type == SourceTypeUDP {
		t.LastMessage = p.msgCounter
		t.LastTransmission = p.now()
	}

	Log.V(2).Info("template fields", "odid", odid, "template_id", t.ID, "fields", t.DescribeFields())

	// rewrite the exporter-chosen id to the collector-unique one so that
	// downstream consumers see stable ids across sources
	binary.BigEndian.PutUint16(rec[0:2], t.ID)

	return consumed
}

func (oi *odidInfo) nextTemplateID() uint16 {
	id := oi.freeTemplateID
	oi.freeTemplateID++
	return id
}

// resolveDataCouples attaches templates to data sets, takes a reference on
// each, rewrites the wire set ids and fills the per-record metadata. Couples
// whose template is unknown pass through with a nil template so downstream
// stages may still inspect the message.
func (p *Preprocessor) resolveDataCouples(msg *Message, key TemplateKey) {
	for i := range msg.DataCouples {
		couple := &msg.DataCouples[i]
		key.TemplateID = binary.BigEndian.Uint16(couple.Set[0:2])

		t := p.templates.Get(key)
		if t == nil {
			Log.V(0).Info("data template not found", "odid", key.ODID, "template_id", key.TemplateID)
			continue
		}
		couple.Template = t
		t.Ref()

		binary.BigEndian.PutUint16(couple.Set[0:2], t.ID)

		if msg.InputInfo.Type == SourceTypeUDP && p.templateExpired(msg.InputInfo, t) {
			Log.V(0).Info("data template has expired; using old template", "odid", key.ODID, "template_id", t.ID)
		}

		couple.forEachRecord(func(rec []byte) {
			msg.Metadata = append(msg.Metadata, RecordMeta{
				Record:   rec,
				Template: t,
				Profile:  msg.LiveProfile,
			})
			msg.DataRecords++
		})
	}
}

// templateExpired implements the advisory UDP expiry check: lifetime or
// packet-count bound exceeded since the template was last seen.
func (p *Preprocessor) templateExpired(info *InputInfo, t *Template) bool {
	lifeTime := info.TemplateLifeTime
	if t.Kind == TemplateKindOptions {
		lifeTime = info.OptionsTemplateLifeTime
	}
	if lifeTime <= 0 {
		lifeTime = defaultTemplateLifeTime
	}
	if p.now().Sub(t.LastTransmission) > lifeTime {
		return true
	}

	lifePackets := info.TemplateLifePackets
	if t.Kind == TemplateKindOptions {
		lifePackets = info.OptionsTemplateLifePackets
	}
	return lifePackets > 0 && p.msgCounter-t.LastMessage > lifePackets
}
