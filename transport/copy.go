// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package transport

import (
	"io"
	"sync"
)

const bufSize = 4096

// Copy is an allocation-avoiding io.Copy: it prefers WriteTo/ReadFrom when
// either side implements it and falls back to a pooled-size buffer
// otherwise.
func Copy(dst io.Writer, src io.Reader) (int64, error) {
	if wt, ok := src.(io.WriterTo); ok {
		return wt.WriteTo(dst)
	}
	if rt, ok := dst.(io.ReaderFrom); ok {
		return rt.ReadFrom(src)
	}
	buf := make([]byte, bufSize)
	return io.CopyBuffer(dst, src, buf)
}

// Pipe bridges two ReadWriteClosers bidirectionally -- the local TCP leg
// of a demonstrator's bridge and one smux stream, for instance -- closing
// both sides as soon as either direction ends.
func Pipe(alice, bob io.ReadWriteCloser) (errA, errB error) {
	var closeOnce sync.Once
	var wg sync.WaitGroup
	wg.Add(2)

	relay := func(dst io.Writer, src io.ReadCloser, errOut *error) {
		defer wg.Done()
		_, *errOut = Copy(dst, src)
		closeOnce.Do(func() {
			alice.Close()
			bob.Close()
		})
	}

	go relay(alice, bob, &errA)
	go relay(bob, alice, &errB)
	wg.Wait()
	return
}
