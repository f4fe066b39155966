package common

import (
	"crypto/rand"
	"encoding/binary"
)

// PreGenerateRecords creates every record upfront so the benchmark measures
// journal writes without data generation time. Each record starts with its
// index so the journal contents can be checked afterwards.
func PreGenerateRecords(numRecords, recordSize int) [][]byte {
	if recordSize < 8 {
		recordSize = 8
	}

	// Generate the payload template once
	template := make([]byte, recordSize)
	rand.Read(template)

	records := make([][]byte, numRecords)
	for i := range records {
		record := make([]byte, recordSize)
		copy(record, template)
		binary.BigEndian.PutUint64(record, uint64(i))
		records[i] = record
	}
	return records
}

// RecordIndex returns the index written by PreGenerateRecords.
func RecordIndex(record []byte) uint64 {
	return binary.BigEndian.Uint64(record)
}

// TotalByteSize returns the total bytes across all records.
func TotalByteSize(records [][]byte) int64 {
	var total int64
	for _, record := range records {
		total += int64(len(record))
	}
	return total
}

// Split divides records between n workers, giving the remainder to the last
// one.
func Split(records [][]byte, n int) [][][]byte {
	if n <= 0 {
		n = 1
	}
	per := len(records) / n
	parts := make([][][]byte, n)
	for i := 0; i < n; i++ {
		start := i * per
		end := start + per
		if i == n-1 {
			end = len(records)
		}
		parts[i] = records[start:end]
	}
	return parts
}
