// Package ndarray reads and writes flat little-endian numeric arrays, the
// on-disk form of voxel index lists and dose grids.
package ndarray

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// ReadFloat64File reads a little-endian float64 array
func ReadFloat64File(path string) ([]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("%s: size %d is not a multiple of 8", path, len(data))
	}
	out := make([]float64, len(data)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return out, nil
}

// ReadUint32File reads a little-endian uint32 array
func ReadUint32File(path string) ([]uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%s: size %d is not a multiple of 4", path, len(data))
	}
	out := make([]uint32, len(data)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return out, nil
}

// WriteFloat64 encodes values to w
func WriteFloat64(w io.Writer, values []float64) error {
	bw := bufio.NewWriter(w)
	var buf [8]byte
	for _, v := range values {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		if _, err := bw.Write(buf[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteUint32 encodes values to w
func WriteUint32(w io.Writer, values []uint32) error {
	bw := bufio.NewWriter(w)
	var buf [4]byte
	for _, v := range values {
		binary.LittleEndian.PutUint32(buf[:], v)
		if _, err := bw.Write(buf[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFloat64File writes values to path, replacing any existing file
func WriteFloat64File(path string, values []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteFloat64(f, values); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteUint32File writes values to path, replacing any existing file
func WriteUint32File(path string, values []uint32) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteUint32(f, values); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
