package gbptree

import (
	"encoding/binary"

	"tlog.app/go/errors"
)

/*
	Offload page layout

	00: pageType byte
	04: len   uint32 // data bytes on this page
	08: gen   uint32
	0c: next  uint64 // next page of the same record, 0 if last
	14: total uint32 // record size, first page only
	18: data

	Offload pages are acquired and released through the same id provider as tree nodes,
	so a released record is not reused until the releasing generation is checkpointed.
*/

const (
	offloadOffLen   = 0x04
	offloadOffGen   = 0x08
	offloadOffNext  = 0x0c
	offloadOffTotal = 0x14
	offloadHeader   = 0x18
)

type (
	offloadStore struct {
		pf  *PagedFile
		ids *FreeList
	}
)

func (o *offloadStore) chunk() int {
	return int(o.pf.PageSize()) - offloadHeader
}

func (o *offloadStore) write(data []byte, g Generation) (id int64, err error) {
	chunk := o.chunk()
	n := (len(data) + chunk - 1) / chunk
	if n == 0 {
		n = 1
	}

	ids := make([]int64, n)
	for i := range ids {
		ids[i], err = o.ids.AcquireNewID(g.Stable(), g.Unstable())
		if err != nil {
			return NilPage, errors.Wrap(err, "acquire offload page")
		}
	}

	p := make([]byte, o.pf.PageSize())

	for i, pid := range ids {
		zero(p)

		part := data[i*chunk:]
		if len(part) > chunk {
			part = part[:chunk]
		}

		p[nodeOffType] = pageTypeOffload
		binary.BigEndian.PutUint32(p[offloadOffLen:], uint32(len(part)))
		binary.BigEndian.PutUint32(p[offloadOffGen:], uint32(g.Unstable()))
		if i+1 < n {
			binary.BigEndian.PutUint64(p[offloadOffNext:], uint64(ids[i+1]))
		}
		if i == 0 {
			binary.BigEndian.PutUint32(p[offloadOffTotal:], uint32(len(data)))
		}

		copy(p[offloadHeader:], part)

		err = o.pf.Write(pid, p)
		if err != nil {
			return NilPage, err
		}
	}

	return ids[0], nil
}

// read returns the record. Offload pages newer than maxGen were reused
// after the referencing node was written, that is reported as inconsistency.
func (o *offloadStore) read(id int64, maxGen int64) (data []byte, err error) {
	p := make([]byte, o.pf.PageSize())

	first := true
	total := 0

	err = o.visitPages(id, p, func(pid int64, p []byte) error {
		if gen := int64(binary.BigEndian.Uint32(p[offloadOffGen:])); gen > maxGen {
			return inconsistency("offload", pid, gen, "offload page newer than referencing node (%d)", maxGen)
		}

		if first {
			total = int(binary.BigEndian.Uint32(p[offloadOffTotal:]))
			data = make([]byte, 0, total)
			first = false
		}

		l := int(binary.BigEndian.Uint32(p[offloadOffLen:]))
		if l > o.chunk() || len(data)+l > total {
			return inconsistency("offload", pid, 0, "bad record length %d (%d of %d)", l, len(data), total)
		}

		data = append(data, p[offloadHeader:offloadHeader+l]...)

		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(data) != total {
		return nil, inconsistency("offload", id, 0, "short record %d of %d", len(data), total)
	}

	return data, nil
}

func (o *offloadStore) free(id int64, g Generation) error {
	var ids []int64

	err := o.visit(id, func(pid int64) {
		ids = append(ids, pid)
	})
	if err != nil {
		return err
	}

	for _, pid := range ids {
		err = o.ids.ReleaseID(g.Stable(), g.Unstable(), pid)
		if err != nil {
			return errors.Wrap(err, "release offload page")
		}
	}

	return nil
}

func (o *offloadStore) visit(id int64, f func(id int64)) error {
	p := make([]byte, o.pf.PageSize())

	return o.visitPages(id, p, func(pid int64, _ []byte) error {
		f(pid)
		return nil
	})
}

func (o *offloadStore) visitPages(id int64, p []byte, f func(id int64, p []byte) error) error {
	limit := o.pf.Pages()

	for i := int64(0); id != 0; i++ {
		if id < MinValidID || i > limit {
			return inconsistency("offload", id, 0, "bad offload pointer")
		}

		err := o.pf.Read(id, p)
		if err != nil {
			return err
		}

		if pageType(p) != pageTypeOffload {
			return inconsistency("offload", id, 0, "not an offload page: type %d", pageType(p))
		}

		err = f(id, p)
		if err != nil {
			return err
		}

		id = int64(binary.BigEndian.Uint64(p[offloadOffNext:]))
	}

	return nil
}
