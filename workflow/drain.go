package workflow

import (
	"context"
	"fmt"

	"github.com/BaSui01/stepflow/internal/pool"
)

// DrainAndWrap 运行生成器直到结束，把所有块合并为一个 StepOutput。
//
// 每个块都会先交给 onChunk（可为 nil）。若生成器产出过 *StepOutput，
// 最后一个即为结果；否则结果内容为各块内容的拼接：字符串原样，
// *StepOutput 取其字符串内容，Event 不参与拼接，其余用 fmt.Sprint。
func DrainAndWrap(ctx context.Context, gen GeneratorFunc, in *StepInput, onChunk func(chunk any)) (*StepOutput, error) {
	if gen == nil {
		return nil, fmt.Errorf("nil generator")
	}

	buf := pool.ContentBuffers.Get()
	defer pool.ContentBuffers.Put(buf)

	var final *StepOutput
	err := gen(ctx, in, func(chunk any) bool {
		if onChunk != nil {
			onChunk(chunk)
		}
		switch c := chunk.(type) {
		case nil:
		case *StepOutput:
			if s, ok := c.Content.(string); ok {
				buf.WriteString(s)
			}
			final = c
		case string:
			buf.WriteString(c)
		case Event:
			// 事件只转发，不计入内容
		default:
			buf.WriteString(fmt.Sprint(c))
		}
		return ctx.Err() == nil
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if final != nil {
		return final, nil
	}
	return NewStepOutput(buf.String()), nil
}
