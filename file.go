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
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
)

func init() {
	RegisterInputPlugin("ipfixfile", APIVersion, func() InputPlugin { return &FileInput{} })
}

type fileInputConfig struct {
	// File is a path or glob of files holding concatenated IPFIX messages.
	File string `xml:"file"`
}

// FileInput replays stored IPFIX messages. Every matched file is one source:
// its first message carries SourceNew, its end of file a closing flush, so a
// replayed file behaves exactly like a live exporter connecting and
// disconnecting.
type FileInput struct {
	cfg   fileInputConfig
	files []string

	fileIndex int
	data      []byte
	offset    int
	info      *InputInfo
	started   bool

	closed atomic.Bool
}

func (f *FileInput) Init(params []byte) error {
	if err := unmarshalParams(params, &f.cfg); err != nil {
		return err
	}
	if f.cfg.File == "" {
		return configInvalid("file input needs a file element")
	}

	matches, err := filepath.Glob(f.cfg.File)
	if err != nil {
		return configInvalid("invalid file pattern %q: %v", f.cfg.File, err)
	}
	if len(matches) == 0 {
		return configInvalid("no files match %q", f.cfg.File)
	}
	sort.Strings(matches)
	f.files = matches

	Log.V(0).Info("started file input", "pattern", f.cfg.File, "files", len(matches))
	return nil
}

func (f *FileInput) GetPacket() (Packet, error) {
	if f.closed.Load() {
		return Packet{}, ErrInterrupted
	}

	for {
		// flush the previous file's source before moving on
		if f.data != nil && f.offset >= len(f.data) {
			f.data = nil
			info := f.info
			f.info = nil
			return Packet{Info: info, Status: SourceClosed}, nil
		}

		if f.data == nil {
			if f.fileIndex >= len(f.files) {
				return Packet{}, ErrSourceClosed
			}
			path := f.files[f.fileIndex]
			f.fileIndex++

			data, err := os.ReadFile(path)
			if err != nil {
				Log.Error(err, "cannot read input file; skipping", "path", path)
				continue
			}
			f.data = data
			f.offset = 0
			f.started = false
			f.info = &InputInfo{Type: SourceTypeFile, Path: path}
		}

		msg, err := f.nextMessage()
		if err != nil {
			Log.Error(err, "malformed input file; skipping rest", "path", f.info.Path)
			f.offset = len(f.data)
			continue
		}
		if msg == nil {
			// only trailing bytes left
			f.offset = len(f.data)
			continue
		}

		f.info.ODID = binary.BigEndian.Uint32(msg[12:16])
		status := SourceOpened
		if !f.started {
			f.started = true
			status = SourceNew
			f.info.SequenceNumber = binary.BigEndian.Uint32(msg[8:12])
		}
		return Packet{Data: msg, Info: f.info, Status: status}, nil
	}
}

// nextMessage cuts the message at the current offset, delimited by the
// header's length field.
func (f *FileInput) nextMessage() ([]byte, error) {
	if len(f.data)-f.offset < HeaderLength {
		return nil, nil
	}

	b := f.data[f.offset:]
	if version := binary.BigEndian.Uint16(b[0:2]); version != IPFIXVersion {
		return nil, badPacket("unexpected version %d at offset %d", version, f.offset)
	}
	length := int(binary.BigEndian.Uint16(b[2:4]))
	if length < HeaderLength || f.offset+length > len(f.data) {
		return nil, badPacket("message at offset %d announces %d bytes past end of file", f.offset, length)
	}

	f.offset += length
	return b[:length], nil
}

func (f *FileInput) Close() error {
	f.closed.Store(true)
	return nil
}
