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

// Package ipfixcol implements the data plane of a modular IPFIX (RFC 7011)
// collector: transport input plugins feed raw datagrams into a preprocessor
// that maintains per-source template state, a chain of intermediate
// transformation stages, and an output manager that fans messages out to
// per-observation-domain storage workers.
//
// Messages travel between stages through bounded multi-reader ring buffers
// and reference counting keeps templates alive for as long as any in-flight
// message refers to them. NetFlow v5 and v9 datagrams are rewritten into
// IPFIX wire form at ingest, so everything downstream of an input plugin
// only ever sees version 10.
package ipfixcol
