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

import "github.com/prometheus/client_golang/prometheus"

var (
	PacketsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ipfixcol",
		Name:      "preprocessor_packets_total",
		Help:      "Total number of packets accepted by the preprocessor per observation domain",
	}, []string{"odid"})
	DataRecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ipfixcol",
		Name:      "preprocessor_data_records_total",
		Help:      "Total number of data records counted by the preprocessor per observation domain",
	}, []string{"odid"})
	LostRecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ipfixcol",
		Name:      "preprocessor_lost_records_total",
		Help:      "Total number of data records lost according to exporter sequence numbers",
	}, []string{"odid"})
	MalformedPacketsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ipfixcol",
		Name:      "preprocessor_malformed_packets_total",
		Help:      "Total number of packets dropped because header or set walk failed",
	})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ipfixcol",
		Name:      "queue_depth",
		Help:      "Current number of messages waiting in a pipeline queue",
	}, []string{"queue"})
	StoredPacketsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ipfixcol",
		Name:      "storage_stored_packets_total",
		Help:      "Total number of messages handed to storage plugins per observation domain",
	}, []string{"odid"})
)

var (
	UDPPacketsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ipfixcol",
		Name:      "udp_input_packets_total",
		Help:      "Total number of packets received by the UDP input plugin",
	})
	UDPPacketBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ipfixcol",
		Name:      "udp_input_packet_bytes",
		Help:      "Total number of bytes read by the UDP input plugin",
	})
	TCPActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ipfixcol",
		Name:      "tcp_input_active_connections",
		Help:      "Number of exporter connections currently held by the TCP input plugin",
	})
	TCPReceivedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ipfixcol",
		Name:      "tcp_input_received_bytes",
		Help:      "Total number of bytes read by the TCP input plugin",
	})
	ConvertedPacketsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ipfixcol",
		Name:      "converted_packets_total",
		Help:      "Total number of legacy NetFlow packets rewritten into IPFIX form",
	}, []string{"version"})
)
