package syncer

// ChangeBuffer accumulates the records of one fetch pass by record type.
// It is owned by a single pass and is not safe for concurrent use.
type ChangeBuffer struct {
	types   []RecordType
	records map[RecordType][]Record
}

func NewChangeBuffer() *ChangeBuffer {
	return &ChangeBuffer{records: make(map[RecordType][]Record)}
}

// Append buffers a record under its own type, keeping arrival order.
func (b *ChangeBuffer) Append(records ...Record) {
	for _, r := range records {
		if _, ok := b.records[r.Type]; !ok {
			b.types = append(b.types, r.Type)
		}
		b.records[r.Type] = append(b.records[r.Type], r)
	}
}

// Take removes and returns the records buffered for recordType.
func (b *ChangeBuffer) Take(recordType RecordType) []Record {
	records, ok := b.records[recordType]
	if !ok {
		return nil
	}
	delete(b.records, recordType)
	for i, t := range b.types {
		if t == recordType {
			b.types = append(b.types[:i], b.types[i+1:]...)
			break
		}
	}
	return records
}

// Types returns the buffered record types in first-seen order.
func (b *ChangeBuffer) Types() []RecordType {
	return append([]RecordType(nil), b.types...)
}

// Len is the total number of buffered records.
func (b *ChangeBuffer) Len() int {
	n := 0
	for _, records := range b.records {
		n += len(records)
	}
	return n
}

// Reset drops everything left in the buffer and reports how many records
// were dropped per type.
func (b *ChangeBuffer) Reset() map[RecordType]int {
	dropped := make(map[RecordType]int, len(b.records))
	for t, records := range b.records {
		dropped[t] = len(records)
	}
	b.types = nil
	b.records = make(map[RecordType][]Record)
	return dropped
}
