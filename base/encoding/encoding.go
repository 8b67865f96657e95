// Copyright 2026 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package encoding

import (
	"encoding/binary"
	"io"
	"math"
	"strconv"

	"github.com/juju/errors"
)

// maxLength bounds length prefixes so a corrupt stream cannot trigger huge allocations.
const maxLength = 1 << 30

// WriteFloat32s writes a length-prefixed vector to byte stream.
func WriteFloat32s(w io.Writer, v []float32) error {
	if err := binary.Write(w, binary.LittleEndian, int32(len(v))); err != nil {
		return errors.Trace(err)
	}
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	_, err := w.Write(buf)
	return errors.Trace(err)
}

// ReadFloat32s reads a length-prefixed vector from byte stream.
func ReadFloat32s(r io.Reader) ([]float32, error) {
	data, err := ReadBytesN(r, 4)
	if err != nil {
		return nil, errors.Trace(err)
	}
	v := make([]float32, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return v, nil
}

// WriteInts writes a length-prefixed vector of integers as int32.
func WriteInts(w io.Writer, v []int) error {
	buf := make([]int32, len(v))
	for i, x := range v {
		buf[i] = int32(x)
	}
	if err := binary.Write(w, binary.LittleEndian, int32(len(v))); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(binary.Write(w, binary.LittleEndian, buf))
}

// ReadInts reads a length-prefixed vector of integers.
func ReadInts(r io.Reader) ([]int, error) {
	var length int32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, errors.Trace(err)
	}
	if length < 0 || length > maxLength/4 {
		return nil, errors.NotValidf("vector length %d", length)
	}
	buf := make([]int32, length)
	if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
		return nil, errors.Trace(err)
	}
	v := make([]int, length)
	for i, x := range buf {
		v[i] = int(x)
	}
	return v, nil
}

// WriteString writes string to byte stream.
func WriteString(w io.Writer, s string) error {
	return WriteBytes(w, []byte(s))
}

// ReadString reads string from byte stream.
func ReadString(r io.Reader) (string, error) {
	data, err := ReadBytes(r)
	return string(data), err
}

// WriteBytes writes bytes to byte stream.
func WriteBytes(w io.Writer, s []byte) error {
	err := binary.Write(w, binary.LittleEndian, int32(len(s)))
	if err != nil {
		return errors.Trace(err)
	}
	n, err := w.Write(s)
	if err != nil {
		return errors.Trace(err)
	} else if n != len(s) {
		return errors.New("fail to write bytes")
	}
	return nil
}

// ReadBytes reads bytes from byte stream.
func ReadBytes(r io.Reader) ([]byte, error) {
	return ReadBytesN(r, 1)
}

// ReadBytesN reads a length prefix counting elements of the given width, then the payload.
func ReadBytesN(r io.Reader, width int) ([]byte, error) {
	var length int32
	err := binary.Read(r, binary.LittleEndian, &length)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if length < 0 || int64(length)*int64(width) > maxLength {
		return nil, errors.NotValidf("length %d", length)
	}
	data := make([]byte, int(length)*width)
	if _, err = io.ReadFull(r, data); err != nil {
		return nil, errors.Annotate(err, "fail to read bytes")
	}
	return data, nil
}

func FormatFloat32(val float32) string {
	return strconv.FormatFloat(float64(val), 'f', -1, 32)
}

// FormatRatio formats a value in [0, 1] with four decimals.
func FormatRatio(val float32) string {
	return strconv.FormatFloat(float64(val), 'f', 4, 32)
}
